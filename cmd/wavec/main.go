// wavec compiles the built-in matrix-multiply kernel for a chosen tiling and
// reports the resulting execution geometry, shared-memory plan and lowered
// program. It is a command-line window into the compilation pipeline:
//
//	wavec -m=1024 -n=1024 -k=512 -block-m=128 -listing
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/badgerbroch/wave/backends"
	_ "github.com/badgerbroch/wave/backends/dryrun"
	"github.com/badgerbroch/wave/compiler"
	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/runtime"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagM = flag.Int("m", 1024, "Rows of the output matrix.")
	flagN = flag.Int("n", 1024, "Columns of the output matrix.")
	flagK = flag.Int("k", 512, "Contraction dimension size. Use 0 to leave it "+
		"symbolic until dispatch.")

	flagBlockM = flag.Int("block-m", 64, "Workgroup tile along M.")
	flagBlockN = flag.Int("block-n", 64, "Workgroup tile along N.")
	flagBlockK = flag.Int("block-k", 32, "Iteration tile along K.")
	flagWaveM  = flag.Int("wave-m", 32, "Per-wave tile along M.")
	flagWaveN  = flag.Int("wave-n", 32, "Per-wave tile along N.")

	flagBackend = flag.String("backend", "", "Backend configuration, e.g. \"dryrun\". "+
		"Defaults to the WAVE_BACKEND environment variable, then the first registered backend.")
	flagListing  = flag.Bool("listing", false, "Print the lowered program listing.")
	flagDispatch = flag.Bool("dispatch", false, "Dispatch the kernel once with zero-filled buffers.")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var mDim, nDim, kDim = symbolic.S("M"), symbolic.S("N"), symbolic.S("K")

func gemm() *kernel.Program {
	p := kernel.New("gemm")
	a := p.Input("a", dtypes.Float16, mDim, kDim)
	b := p.Input("b", dtypes.Float16, nDim, kDim)
	c := p.Output("c", dtypes.Float32, mDim, nDim)
	acc := p.Zero(dtypes.Float32, mDim, nDim)
	loop := p.Iterate(kDim, acc)
	updated := p.MMA(p.Read(a), p.Read(b), loop.Carried(0))
	p.Write(loop.End(updated)[0], c)
	return p
}

func constraintSet() []constraints.Constraint {
	return []constraints.Constraint{
		constraints.Workgroup{Dim: mDim, Tile: symbolic.Const(*flagBlockM), Axis: 0},
		constraints.Workgroup{Dim: nDim, Tile: symbolic.Const(*flagBlockN), Axis: 1},
		constraints.Tiling{Dim: kDim, Tile: symbolic.Const(*flagBlockK)},
		constraints.Wave{Dim: mDim, Tile: symbolic.Const(*flagWaveM)},
		constraints.Wave{Dim: nDim, Tile: symbolic.Const(*flagWaveN)},
		constraints.Hardware{GroupWidth: 64, Instruction: constraints.MMAF32_16x16x16_F16},
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var backend backends.Backend
	if *flagBackend != "" {
		backend = must.M1(backends.NewWithConfig(*flagBackend))
	} else {
		backend = must.M1(backends.New())
	}
	defer backend.Finalize()

	bindings := symbolic.Bindings{mDim: *flagM, nDim: *flagN}
	if *flagK > 0 {
		bindings[kDim] = *flagK
	}

	cache := must.M1(compiler.NewCacheFromEnv(backend))
	exec, err := cache.Compile(gemm(), constraintSet(), bindings)
	if err != nil {
		klog.Errorf("compilation failed: %v", err)
		os.Exit(1)
	}
	report(exec, backend)

	if *flagDispatch {
		dispatch(cache, exec, bindings)
	}
}

func report(exec *compiler.Executable, backend backends.Backend) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("kernel %q on backend %q", exec.Kernel, backend.Name())))
	fmt.Printf("%s %s\n", labelStyle.Render("fingerprint:"), exec.Fingerprint[:16])

	geo := exec.Geometry
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("DIM", "ROLE", "TILE", "WAVE TILE", "WAVES")
	for i := range geo.Dims {
		p := &geo.Dims[i]
		role, tile, waveTile, waves := "broadcast", "-", "-", "-"
		switch p.Role {
		case constraints.RoleGrid:
			role = fmt.Sprintf("grid axis %d", p.Axis)
			tile = strconv.Itoa(p.Tile)
			if p.WaveTile > 0 {
				waveTile = strconv.Itoa(p.WaveTile)
				waves = strconv.Itoa(p.Waves)
			}
		case constraints.RoleIterated:
			role = "iterated"
			tile = strconv.Itoa(p.Tile)
		}
		table.Row(p.Dim.String(), role, tile, waveTile, waves)
	}
	fmt.Println(table.Render())

	fmt.Printf("%s %d lanes per workgroup, %d waves\n",
		labelStyle.Render("workgroup:"), geo.ThreadsPerWorkgroup(), len(geo.WavesPerAxis()))
	lowered := exec.Lowered
	fmt.Printf("%s %d ops, %d barriers\n",
		labelStyle.Render("lowered:"), len(lowered.Ops), len(lowered.Barriers()))
	for _, shared := range lowered.Shared {
		fmt.Printf("%s %s %v (%s)\n",
			labelStyle.Render("shared:"), shared.Name, shared.Dims, humanize.IBytes(uint64(shared.Bytes())))
	}
	if *flagListing {
		fmt.Println(lowered.String())
	}
}

func dispatch(cache *compiler.Cache, exec *compiler.Executable, bindings symbolic.Bindings) {
	k := *flagK
	if k == 0 {
		k = *flagBlockK
	}
	args := []*backends.Buffer{
		runtime.NewBuffer(dtypes.Float16, *flagM, k),
		runtime.NewBuffer(dtypes.Float16, *flagN, k),
		runtime.NewBuffer(dtypes.Float32, *flagM, *flagN),
	}
	d := runtime.NewDispatcherWithCache(cache)
	if err := d.Dispatch(context.Background(), gemm(), constraintSet(), bindings, args); err != nil {
		klog.Errorf("dispatch failed: %v", err)
		os.Exit(1)
	}
	fmt.Println(titleStyle.Render("dispatched") + " " + fmt.Sprintf("%d arguments, grid over %v", len(args), exec.Geometry.GridAxes))
}
