// devqinfo inspects the devq runtimes built into the binary: it lists registered
// runtimes and their devices, optionally runs a small device program against one of
// them (-selftest) and measures transfer bandwidth (-bench).
//
// Native runtimes appear only when compiled in, e.g.:
//
//	go run -tags opencl ./cmd/devqinfo -runtime=opencl -selftest
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"k8s.io/klog/v2"

	"github.com/devq/devq/runtimes"
	_ "github.com/devq/devq/runtimes/graph"
	_ "github.com/devq/devq/runtimes/opencl"
	_ "github.com/devq/devq/runtimes/stream"
)

var (
	flagRuntime = flag.String("runtime", "", "Runtime configuration \"<name>:<options>\" to self-test or "+
		"benchmark, e.g. \"stream:events=1024\". Empty falls back to "+runtimes.DEVQ_RUNTIME+
		" or the first registered runtime.")
	flagSelfTest = flag.Bool("selftest", false, "Run a small vector-add device program on the selected "+
		"runtime, once per binding strategy, and report the outcome.")
	flagBench = flag.Bool("bench", false, "Measure host-to-device and device-to-host bandwidth on the "+
		"selected runtime.")
	flagBenchSize   = flag.String("bench_size", "64MiB", "Transfer size for -bench.")
	flagBenchRounds = flag.Int("bench_rounds", 32, "Transfers per direction for -bench. Each transfer "+
		"takes one event from the environment's fixed pool, so this must stay under the \"events=\" budget.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %v. See 'devqinfo -help'.", flag.Args())
		os.Exit(1)
	}

	listRuntimes()
	if *flagSelfTest {
		selftest(*flagRuntime)
	}
	if *flagBench {
		bench(*flagRuntime)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("63"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// listRuntimes probes every registered runtime with its default options. Registered
// but unconstructible runtimes (e.g. opencl without a platform) stay in the table with
// the reason.
func listRuntimes() {
	fmt.Println(titleStyle.Render("Runtimes"))
	table := newPlainTable()
	table.Row("Runtime", "Devices", "Description")
	for _, name := range runtimes.Registered() {
		rt, err := runtimes.NewWithConfig(name)
		if err != nil {
			table.Row(name, "-", fmt.Sprintf("unavailable: %v", err))
			continue
		}
		table.Row(name, fmt.Sprintf("%d", rt.NumDevices()), rt.Description())
		rt.Finalize()
	}
	fmt.Println(table.Render())
}
