package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/pmheap/pkg/pool"
)

var checkPath string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the consistency of a pool file",
	Long: `Verify a pool file: header checksum and signature, zone magic values,
and the chunk-header walk of every initialized zone.

Exits non-zero when the pool is corrupted and must not be opened.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkPath, "path", "", "Pool file path (default: from config)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Pool.Path
	if checkPath != "" {
		path = checkPath
	}

	p, err := pool.Open(path)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Check(); err != nil {
		return fmt.Errorf("pool %s: %w", path, err)
	}
	fmt.Printf("Pool %s: OK\n", path)
	return nil
}
