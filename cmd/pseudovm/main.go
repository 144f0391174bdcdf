// Command pseudovm is the single-binary compile-and-execute toolchain
// for the Cambridge-style pseudocode language: lex, parse, semantically
// check, lower to bytecode, and run on the stack VM.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pseudovm/internal/bytecode"
	"pseudovm/internal/lexer"
	"pseudovm/internal/lowering"
	"pseudovm/internal/parser"
	"pseudovm/internal/registry"
	"pseudovm/internal/semantic"
	"pseudovm/internal/trace"
	"pseudovm/internal/vm"
)

const pcbcExt = ".pcbc"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "-h", "--help", "-help":
		showUsage()
		return
	case "-cr":
		cmdCompileRun(args[1:])
	case "-c":
		cmdCompile(args[1:])
	case "-r":
		cmdRun(args[1:])
	case "-list":
		cmdList(args[1:])
	case "-watch":
		cmdWatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "pseudovm: unknown flag %q\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("pseudovm - Cambridge-style pseudocode compiler and VM")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pseudovm -cr <path> [true]           Compile and run source, discard bytecode")
	fmt.Println("  pseudovm -c <path> <target>          Compile source, write <target>.pcbc")
	fmt.Println("  pseudovm -r <path> [true]            Execute a .pcbc file")
	fmt.Println("  pseudovm -list                       List compiled artifacts tracked in the registry")
	fmt.Println("  pseudovm -watch <path> <port> [true] Compile and run with a live instruction trace server")
	fmt.Println("  pseudovm -h                           Show this help")
	fmt.Println()
	fmt.Println("A trailing \"true\" argument turns on verbose instruction tracing to stderr.")
}

// cmdCompileRun implements -cr: compile source and execute it without
// persisting bytecode.
func cmdCompileRun(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "pseudovm: -cr requires <path>")
		os.Exit(1)
	}
	path := args[0]
	verbose := len(args) > 1 && args[1] == "true"

	code, err := compileFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(execute(code, verbose, nil))
}

// cmdCompile implements -c: compile source and persist the bytecode to
// <target>.pcbc, additionally recording it in the local registry.
func cmdCompile(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "pseudovm: -c requires <path> <target>")
		os.Exit(1)
	}
	path, target := args[0], args[1]

	source, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("pseudovm: reading %s: %v", path, err)
	}

	code, err := compileSource(path, string(source))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	targetPath := target
	if !strings.HasSuffix(targetPath, pcbcExt) {
		targetPath += pcbcExt
	}
	if err := os.WriteFile(targetPath, code.Encode(), 0644); err != nil {
		log.Fatalf("pseudovm: writing %s: %v", targetPath, err)
	}

	if err := recordArtifact(targetPath, source, code); err != nil {
		// Registry bookkeeping failure doesn't invalidate a successful
		// compile; report and move on.
		fmt.Fprintf(os.Stderr, "pseudovm: warning: registry: %v\n", err)
	}
}

// cmdRun implements -r: load and execute a persisted .pcbc file.
func cmdRun(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "pseudovm: -r requires <path>")
		os.Exit(1)
	}
	path := args[0]
	if !strings.HasSuffix(path, pcbcExt) {
		path += pcbcExt
	}
	verbose := len(args) > 1 && args[1] == "true"

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("pseudovm: reading %s: %v", path, err)
	}
	code, err := bytecode.Decode(data)
	if err != nil {
		log.Fatalf("pseudovm: %s: %v", path, err)
	}
	os.Exit(execute(code, verbose, nil))
}

// cmdList implements the -list EXPANSION: print every artifact the
// registry has recorded via a prior -c compile.
func cmdList(args []string) {
	reg, err := openRegistry()
	if err != nil {
		log.Fatalf("pseudovm: %v", err)
	}
	defer reg.Close()

	artifacts, err := reg.List()
	if err != nil {
		log.Fatalf("pseudovm: %v", err)
	}
	if len(artifacts) == 0 {
		fmt.Println("no compiled artifacts recorded")
		return
	}
	for _, a := range artifacts {
		fmt.Printf("%-40s  %6d instrs  %8d bytes  %s\n", a.Path, a.Instrs, a.Bytes, a.CompiledAt.Format(time.RFC3339))
	}
}

// cmdWatch implements the -watch EXPANSION: compile and run source
// while broadcasting one JSON trace frame per instruction over a
// websocket endpoint, for an external debugger to attach to.
func cmdWatch(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "pseudovm: -watch requires <path> <port>")
		os.Exit(1)
	}
	path, portStr := args[0], args[1]
	verbose := len(args) > 2 && args[2] == "true"

	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("pseudovm: invalid port %q: %v", portStr, err)
	}

	code, err := compileFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	srv := trace.NewServer(fmt.Sprintf(":%d", port))
	if err := srv.Start(); err != nil {
		log.Fatalf("pseudovm: %v", err)
	}
	defer srv.Stop()
	fmt.Fprintf(os.Stderr, "pseudovm: trace server listening on ws://localhost:%d/trace\n", port)

	os.Exit(execute(code, verbose, srv))
}

// compileFile reads and compiles one source file end to end.
func compileFile(path string) (*bytecode.Stream, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pseudovm: reading %s: %w", path, err)
	}
	return compileSource(path, string(source))
}

// compileSource runs the full lex -> parse -> analyse -> lower pipeline
// over one source string, returning the finished bytecode stream. This
// is the only place those four stages are wired together; it stops at
// the first stage that reports errors.
func compileSource(file, source string) (*bytecode.Stream, error) {
	lx := lexer.New(file, source)
	tokens := lx.ScanTokens()
	if errs := lx.Errors(); len(errs) > 0 {
		return nil, joinErrors(file, errs)
	}

	p := parser.New(file, tokens)
	prog := p.Parse()
	if errs := p.Errors(); len(errs) > 0 {
		return nil, joinErrors(file, errs)
	}

	sem := semantic.New(file)
	table, err := sem.Analyse(prog)
	if err != nil {
		return nil, err
	}

	code, err := lowering.Lower(file, prog, table)
	if err != nil {
		return nil, err
	}
	return code, nil
}

func joinErrors(file string, errs []error) error {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return fmt.Errorf("%s", strings.Join(parts, "\n"))
}

// execute runs code to completion, wiring verbose tracing and/or a
// live trace-server sink when requested, and returns a process exit
// code: 0 on success, 1 if a runtime error latched.
func execute(code *bytecode.Stream, verbose bool, sink vm.FrameSink) int {
	machine := vm.New(code, 0)

	var hooks []vm.DebugHook
	if verbose {
		hooks = append(hooks, vm.NewVerboseHook(os.Stderr))
	}
	if sink != nil {
		hooks = append(hooks, vm.NewBroadcastHook(sink))
	}
	switch len(hooks) {
	case 0:
	case 1:
		machine.Hook = hooks[0]
	default:
		machine.Hook = &vm.MultiHook{Hooks: hooks}
	}

	if rerr := machine.Run(); rerr != nil {
		fmt.Fprintln(os.Stderr, rerr.Error())
		return 1
	}
	return 0
}

// registryPath returns the local sqlite file backing the artifact
// registry, creating its parent directory if needed.
func registryPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	dir = filepath.Join(dir, "pseudovm")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating registry dir %s: %w", dir, err)
	}
	return filepath.Join(dir, "registry.db"), nil
}

func openRegistry() (*registry.Registry, error) {
	path, err := registryPath()
	if err != nil {
		return nil, err
	}
	return registry.Open(path)
}

func recordArtifact(targetPath string, source []byte, code *bytecode.Stream) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	abs, err := filepath.Abs(targetPath)
	if err != nil {
		abs = targetPath
	}
	encoded := code.Encode()
	return reg.Record(registry.Artifact{
		Path:       abs,
		SourceHash: registry.HashSource(source),
		Instrs:     code.Len(),
		Bytes:      len(encoded),
		CompiledAt: time.Now(),
	})
}
