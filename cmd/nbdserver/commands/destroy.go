package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/nbdserver/pkg/export"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy <driver> <driver-cfg>",
	Short: "Destroy a volume and release its backend storage",
	Long: `Destroy removes the volume size stamp and all shard/object data
from the backend(s) named by <driver-cfg>. It does not ask for
confirmation; callers are expected to confirm destructively with the
user themselves.`,
	Args: cobra.ExactArgs(2),
	RunE: runDestroy,
}

func runDestroy(cmd *cobra.Command, args []string) error {
	spec := export.Spec{
		Name:    args[0] + "-destroy",
		Driver:  args[0],
		Backend: args[1],
	}

	stores, err := export.OpenStores(cmd.Context(), spec)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	for i, store := range stores {
		if err := store.Destroy(cmd.Context()); err != nil {
			return fmt.Errorf("destroy backend %d: %w", i, err)
		}
	}

	fmt.Printf("volume destroyed: %s %s\n", spec.Driver, spec.Backend)
	return nil
}
