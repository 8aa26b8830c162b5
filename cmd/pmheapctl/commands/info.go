package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/marmos91/pmheap/internal/bytesize"
	"github.com/marmos91/pmheap/pkg/config"
	"github.com/marmos91/pmheap/pkg/heap"
	"github.com/marmos91/pmheap/pkg/pool"
)

var infoPath string

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show pool header, allocation classes and occupancy",
	RunE:  runInfo,
}

func init() {
	infoCmd.Flags().StringVar(&infoPath, "path", "", "Pool file path (default: from config)")
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Pool.Path
	if infoPath != "" {
		path = infoPath
	}

	p, err := pool.Open(path)
	if err != nil {
		return err
	}
	defer p.Close()

	h, err := bootHeap(cfg, p, nil)
	if err != nil {
		return err
	}
	defer h.Cleanup()

	fmt.Printf("Pool: %s\n", path)
	fmt.Printf("  uuid: %s\n", h.UUID())
	fmt.Printf("  size: %s\n", bytesize.ByteSize(p.Size()))
	fmt.Printf("  heap end: %s\n", bytesize.ByteSize(h.End()))

	fmt.Println("\nAllocation classes:")
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Kind", "Unit", "Chunks/Run", "Cells/Run"})
	h.AllocClasses().ForEach(func(c *heap.Class) {
		kind := "huge"
		chunks, cells := "-", "-"
		if c.Kind == heap.ClassRun {
			kind = "run"
			chunks = strconv.FormatUint(uint64(c.RunDesc.SizeIdx), 10)
			cells = strconv.FormatUint(uint64(c.RunDesc.Nallocs), 10)
		}
		table.Append([]string{
			strconv.Itoa(int(c.ID)),
			kind,
			bytesize.ByteSize(c.UnitSize).String(),
			chunks,
			cells,
		})
	})
	table.Render()

	var objects uint64
	var bytes uint64
	h.ForeachObject(func(m heap.MemoryBlock) bool {
		objects++
		bytes += m.Size()
		return true
	}, heap.MemoryBlock{})

	fmt.Printf("\nLive objects: %d (%s)\n", objects, bytesize.ByteSize(bytes))
	return nil
}

// bootHeap boots the heap over an open pool and registers any extra
// allocation classes from the configuration.
func bootHeap(cfg *config.Config, p *pool.Pool, stats heap.Stats) (*heap.Heap, error) {
	h, err := p.Boot(stats)
	if err != nil {
		return nil, err
	}
	for _, ac := range cfg.Heap.AllocClasses {
		c, err := h.AllocClasses().Register(ac.ID, heap.ClassRun,
			uint64(ac.UnitSize), ac.ChunksPerRun, heap.HeaderCompact)
		if err != nil {
			h.Cleanup()
			return nil, fmt.Errorf("registering alloc class %d: %w", ac.ID, err)
		}
		h.CreateAllocClassBuckets(c)
	}
	return h, nil
}
