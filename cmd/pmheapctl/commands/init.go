package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/pmheap/internal/bytesize"
	"github.com/marmos91/pmheap/pkg/config"
	"github.com/marmos91/pmheap/pkg/pool"
)

var (
	initPath string
	initSize string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create and format a new pool file",
	Long: `Create a new pool file and format it as an empty heap.

Path and size default to the configuration; flags override it.

Examples:
  # Create the configured pool
  pmheapctl init

  # Create a 1 GiB pool at an explicit path
  pmheapctl init --path /var/lib/pmheap/pool.pmem --size 1Gi`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initPath, "path", "", "Pool file path (default: from config)")
	initCmd.Flags().StringVar(&initSize, "size", "", "Pool size, e.g. 1Gi (default: from config)")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.Pool.Path
	if initPath != "" {
		path = initPath
	}
	size := cfg.Pool.Size
	if initSize != "" {
		size, err = bytesize.ParseByteSize(initSize)
		if err != nil {
			return fmt.Errorf("invalid --size: %w", err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("pool file already exists: %s", path)
	}

	p, err := pool.Create(path, uint64(size))
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	defer p.Close()

	h, err := p.Boot(nil)
	if err != nil {
		return fmt.Errorf("booting fresh pool: %w", err)
	}
	defer h.Cleanup()

	fmt.Printf("Pool created at: %s\n", path)
	fmt.Printf("  size: %s\n", size)
	fmt.Printf("  uuid: %s\n", h.UUID())
	return nil
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
		if err := config.Save(config.GetDefaultConfig(), path); err != nil {
			return err
		}
		fmt.Printf("Configuration file created at: %s\n", path)
		return nil
	},
}
