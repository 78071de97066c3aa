// Command lcvm runs a serialized bytecode module: it links the module,
// evaluates its root closure to head normal form, and prints the result.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/JackBro/lambdachine/config"
	"github.com/JackBro/lambdachine/dis"
	"github.com/JackBro/lambdachine/loader"
	"github.com/JackBro/lambdachine/mm"
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/vm"
)

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	heapWords := flag.Int("heap", 0, "heap semispace size in words")
	stackWords := flag.Int("stack", 0, "stack size in words")
	stepLimit := flag.Int64("step-limit", 0, "instruction budget")
	noJit := flag.Bool("no-jit", false, "disable trace compilation")
	debug := flag.String("debug", "", "debug categories (comma separated, or \"all\")")
	stats := flag.Bool("stats", false, "print trace statistics on exit")
	disasm := flag.Bool("dis", false, "disassemble the module instead of running it")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: lcvm [flags] module.lcm")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	if *heapWords > 0 {
		cfg.HeapWords = *heapWords
	}
	if *stackWords > 0 {
		cfg.StackWords = *stackWords
	}
	if *stepLimit > 0 {
		cfg.StepLimit = *stepLimit
	}
	if *noJit {
		cfg.JitDisabled = true
	}
	if *debug != "" {
		cfg.Debug = append(cfg.Debug, *debug)
	}
	flags, err := cfg.DebugFlags()
	if err != nil {
		fatal(err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
	if flags != 0 {
		log = log.Level(zerolog.DebugLevel)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	module, err := loader.ReadModule(f)
	f.Close()
	if err != nil {
		fatal(err)
	}

	prog, heap, err := loader.LoadModule(module,
		mm.WithSize(cfg.HeapWords),
		mm.WithLogger(log),
	)
	if err != nil {
		fatal(err)
	}

	if *disasm {
		for id := 1; id < prog.InfoCount(); id++ {
			itbl := prog.Info(uint16(id))
			if itbl.Code() == nil {
				continue
			}
			fmt.Printf("%s:\n", itbl.Name())
			dis.Fprint(os.Stdout, itbl.Code())
			fmt.Println()
		}
		return
	}

	root := prog.Root()
	if root.IsNull() {
		fatal(fmt.Errorf("module %s has no root closure", module.Name))
	}

	opts := []vm.Option{
		vm.WithStackSize(cfg.StackWords),
		vm.WithStepLimit(cfg.StepLimit),
		vm.WithHotThreshold(uint16(cfg.HotThreshold)),
		vm.WithLogger(log),
		vm.WithDebugFlags(flags),
	}
	if cfg.JitDisabled {
		opts = append(opts, vm.WithJitDisabled())
	}
	cap := vm.NewCapability(prog, heap, opts...)

	ok := cap.Eval(root)
	if *stats {
		printStats(os.Stderr, cap)
	}
	if !ok {
		fatal(fmt.Errorf("evaluation stopped: %s", cap.ExitCode()))
	}
	fmt.Println(dis.Render(heap, object.Ref(cap.Result())))
}

func printStats(w *os.File, cap *vm.Capability) {
	fmt.Fprintf(w, "recordings started:   %d\n", vm.Stats.RecordingsStarted)
	fmt.Fprintf(w, "recordings aborted:   %d\n", vm.Stats.RecordingsAborted)
	fmt.Fprintf(w, "traces compiled:      %d\n", vm.Stats.TracesCompiled)
	fmt.Fprintf(w, "compile failures:     %d\n", vm.Stats.TraceCompileFailures)
	fmt.Fprintf(w, "interp -> trace:      %d\n", vm.Stats.SwitchInterpToAsm)
	fmt.Fprintf(w, "side exits:           %d\n", vm.Stats.SideExits)
	fmt.Fprintf(w, "fragments installed:  %d\n", cap.FragmentCount())
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("lcvm: %v", err))
	os.Exit(1)
}
