package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/tangzhangming/nebula/internal/bytecode"
	"github.com/tangzhangming/nebula/internal/codegen"
	"github.com/tangzhangming/nebula/internal/exec"
)

var (
	convName   = flag.String("conv", "", "Calling convention (systemv / win64), overrides nebula.toml")
	configPath = flag.String("config", codegen.ConfigFileName, "Path to nebula.toml")
	showLIR    = flag.Bool("lir", false, "Show lowered LIR for each function")
	jsonOut    = flag.Bool("json", false, "Emit frame report as JSON")
	runFunc    = flag.String("run", "", "Run a function after compiling")
	verbose    = flag.Bool("v", false, "Verbose logging")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Nebula bytecode compiler v0.1.0")
		fmt.Println()
		fmt.Println("Usage: nebulac [options] <module.nbx> [args...]")
		fmt.Println()
		fmt.Println("Options:")
		fmt.Println("  -conv name  Calling convention (systemv / win64)")
		fmt.Println("  -config p   Path to nebula.toml")
		fmt.Println("  -lir        Show lowered LIR for each function")
		fmt.Println("  -json       Emit frame report as JSON")
		fmt.Println("  -run name   Run a function after compiling")
		fmt.Println("  -v          Verbose logging")
		os.Exit(0)
	}

	logger := newLogger(*verbose)
	defer logger.Sync()

	cfg, err := codegen.LoadConfig(*configPath)
	if err != nil {
		fatal("Error loading config: %v", err)
	}
	if *convName != "" {
		cfg.Codegen.Conv = *convName
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fatal("Error reading file: %v", err)
	}
	mod, err := bytecode.NewDeserializer(data).Deserialize()
	if err != nil {
		fatal("Error loading module: %v", err)
	}

	compiler, err := codegen.NewCompiler(cfg, logger)
	if err != nil {
		fatal("Error: %v", err)
	}
	cm, err := compiler.CompileModule(mod)
	if err != nil {
		fatal("Compile error: %v", err)
	}

	if *jsonOut {
		printJSON(cm)
	} else {
		printReport(cm)
	}

	if *showLIR {
		fmt.Println()
		for _, cf := range cm.Funcs {
			fmt.Println(cf.Disassemble())
		}
	}

	if *runFunc != "" {
		run(cm, cfg, *runFunc, flag.Args()[1:])
	}
}

// printReport 打印分类与帧布局报表
func printReport(cm *codegen.CompiledModule) {
	fmt.Printf("=== Frame Report (%s) ===\n", cm.Conv.Name)
	fmt.Printf("%-20s %-16s %8s %8s %8s  %s\n",
		"FUNC", "CLASS", "IN", "OUT", "SLOTS", "FLAGS")
	for _, cf := range cm.Funcs {
		flags := ""
		if cf.Layout.Elidable {
			flags += "elidable "
		}
		if cf.Layout.Frameless {
			flags += "frameless"
		}
		fmt.Printf("%-20s %-16s %8d %8d %8d  %s\n",
			cf.Fn.Name, cf.Class,
			cf.Layout.IncomingArgsSize, cf.Layout.OutgoingArgsSize,
			cf.Layout.StackSlotsSize, flags)
	}
	s := cm.Stats
	fmt.Printf("\n%d funcs (%d leaf, %d regular, %d tail-call-only, %d elidable), %d code bytes, %s\n",
		s.Funcs, s.Leaf, s.Regular, s.TailCallOnly, s.Elidable, s.CodeBytes, s.CompileTime)
}

// frameReport JSON 报表条目
type frameReport struct {
	Func      string `json:"func"`
	Class     string `json:"class"`
	Incoming  int    `json:"incoming_args_size"`
	Outgoing  int    `json:"outgoing_args_size"`
	Slots     int    `json:"stack_slots_size"`
	Elidable  bool   `json:"elidable"`
	Frameless bool   `json:"frameless"`
	CodeBytes int    `json:"code_bytes"`
}

func printJSON(cm *codegen.CompiledModule) {
	report := struct {
		Conv  string         `json:"conv"`
		Funcs []frameReport  `json:"funcs"`
		Stats *codegen.Stats `json:"stats"`
	}{Conv: cm.Conv.Name, Stats: &cm.Stats}

	for _, cf := range cm.Funcs {
		report.Funcs = append(report.Funcs, frameReport{
			Func:      cf.Fn.Name,
			Class:     cf.Class.String(),
			Incoming:  cf.Layout.IncomingArgsSize,
			Outgoing:  cf.Layout.OutgoingArgsSize,
			Slots:     cf.Layout.StackSlotsSize,
			Elidable:  cf.Layout.Elidable,
			Frameless: cf.Layout.Frameless,
			CodeBytes: len(cf.Blob.Code),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(&report); err != nil {
		fatal("Error encoding report: %v", err)
	}
}

// run 在抽象机上执行函数
func run(cm *codegen.CompiledModule, cfg *codegen.Config, name string, rawArgs []string) {
	args := make([]uint64, len(rawArgs))
	for i, raw := range rawArgs {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fatal("Bad argument %q: %v", raw, err)
		}
		args[i] = uint64(v)
	}

	m := exec.NewMachine(cm, cfg.Exec.MaxDepth)
	result, err := m.Call(name, args...)
	if err != nil {
		if trap, ok := bytecode.AsTrap(err); ok {
			fmt.Fprintln(os.Stderr, trap.Error())
			os.Exit(2)
		}
		fatal("Run error: %v", err)
	}
	fmt.Printf("%s(...) = %d\n", name, int64(result))
}

func newLogger(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		cfg.Encoding = "json"
	}
	logger, err := cfg.Build()
	if err != nil {
		fatal("Error building logger: %v", err)
	}
	return logger
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
