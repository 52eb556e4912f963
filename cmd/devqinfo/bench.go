package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"

	"github.com/devq/devq/runtimes"
)

// bench measures host-to-device and device-to-host bandwidth through the runtime's
// transfer path. Each round enqueues one transfer and flushes, so the figure includes
// the submission overhead a device program pays per flush.
func bench(config string) {
	rt := must.M1(runtimes.NewWithConfig(config))
	defer rt.Finalize()

	size := int64(must.M1(humanize.ParseBytes(*flagBenchSize)))
	rounds := *flagBenchRounds
	host := make([]byte, size)

	fmt.Println(titleStyle.Render("Bandwidth"))
	table := newPlainTable()
	table.Row("Direction", "Bytes", "Time", "Rate")
	table.Row(benchDirection(rt, "host to device", rounds, host, true)...)
	table.Row(benchDirection(rt, "device to host", rounds, host, false)...)
	fmt.Println(table.Render())
}

// benchDirection opens a fresh environment per direction: events live until teardown,
// so reusing one environment across directions would double the event budget needed.
func benchDirection(rt runtimes.Runtime, name string, rounds int, host []byte, write bool) []string {
	env := must.M1(rt.NewEnv(0))
	defer func() { _ = env.Finalize() }()
	buf := must.M1(env.AllocateMemory(int64(len(host))))

	bar := progressbar.NewOptions(rounds,
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("xfers"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	start := time.Now()
	for i := 0; i < rounds; i++ {
		if write {
			_ = must.M1(env.EnqueueWrite(buf, host, nil))
		} else {
			_ = must.M1(env.EnqueueRead(buf, host, nil))
		}
		must.M(env.Flush())
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	_ = bar.Finish()
	fmt.Println()

	total := int64(len(host)) * int64(rounds)
	rate := float64(total) / elapsed.Seconds()
	return []string{
		name,
		humanize.IBytes(uint64(total)),
		elapsed.Round(time.Millisecond).String(),
		humanize.IBytes(uint64(rate)) + "/s",
	}
}
