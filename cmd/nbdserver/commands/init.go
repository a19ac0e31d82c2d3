package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/nbdserver/pkg/export"
)

var (
	initSize  string
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init --size <human-size> <driver> <driver-cfg>",
	Short: "Create a new volume",
	Long: `Initialize a new volume of the given size against a backend.

<driver> is one of raw, sharded, or distributed.
<driver-cfg> is the backend connection string, e.g. file:/var/lib/nbdserver/vol
or, for distributed, replicas=2;backends=file:/a,file:/b,file:/c.

Examples:
  nbdserver init --size 10GB raw file:/var/lib/nbdserver/vol
  nbdserver init --size 100GB sharded file:/var/lib/nbdserver/vol
  nbdserver init --size 100GB --force distributed 'replicas=2;backends=file:/a,file:/b,file:/c'`,
	Args: cobra.ExactArgs(2),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initSize, "size", "", "volume size, e.g. 10GB, 500MB")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing volume of a different size")
	_ = initCmd.MarkFlagRequired("size")
}

func runInit(cmd *cobra.Command, args []string) error {
	size, err := parseHumanSize(initSize)
	if err != nil {
		return err
	}

	spec := export.Spec{
		Name:       args[0] + "-init",
		Driver:     args[0],
		Backend:    args[1],
		VolumeSize: size,
		Force:      initForce,
	}

	exp, err := export.Init(cmd.Context(), spec)
	if err != nil {
		return fmt.Errorf("init volume: %w", err)
	}
	defer exp.Driver.Close()

	fmt.Printf("volume initialized: %s %s, size %d bytes\n", spec.Driver, spec.Backend, exp.Size())
	return nil
}
