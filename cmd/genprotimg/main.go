// Command genprotimg builds a self-bootable, encrypted, integrity-
// protected confidential-VM boot image from a kernel, optional initrd,
// optional cmdline file, and a set of host trust-anchor certificates.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"hermannm.dev/devlog"

	"github.com/s390x-go/genprotimg/internal/pv"
)

const version = "0.1.0"

// onceFlag is a pflag.Value wrapping a single-value string flag that
// rejects being set more than once, per spec §6: "multiple occurrences
// of a single-value option are an error." Grounded on pv_args.c's
// pv_arg_has_type duplicate check.
type onceFlag struct {
	dst *string
	set bool
}

func newOnceFlag(dst *string) *onceFlag { return &onceFlag{dst: dst} }

func (f *onceFlag) String() string {
	if f.dst == nil {
		return ""
	}
	return *f.dst
}

func (f *onceFlag) Set(v string) error {
	if f.set {
		return fmt.Errorf("option given more than once")
	}
	f.set = true
	*f.dst = v
	return nil
}

func (f *onceFlag) Type() string { return "string" }

// dataDir and the two template file names are the compile-time data
// directory locations documented in spec §6; loading them is an
// external collaborator concern relative to the core builder.
const (
	dataDir             = "/usr/share/genprotimg"
	stage3aTemplateFile = "stage3a.bin"
	stage3bTemplateFile = "stage3b_reloc.bin"
)

// tmpDirCell is the process-scoped, read-only-to-the-handler cell spec
// §9 calls for: the signal handler only unlinks files and removes the
// directory it names, never touching builder internals.
var tmpDirCell string

var logLevel slog.LevelVar

func main() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "genprotimg:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var args pv.Args

	cmd := &cobra.Command{
		Use:           "genprotimg",
		Short:         "Build an encrypted, integrity-protected confidential-VM boot image",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if args.Version {
				fmt.Printf("genprotimg %s\n", version)
				return nil
			}
			return run(&args)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&args.HostCertificates, "host-certificate", "c", nil,
		"host trust-anchor certificate (PEM), repeatable")
	flags.VarP(newOnceFlag(&args.Output), "output", "o", "output image path")
	flags.VarP(newOnceFlag(&args.Image), "image", "i", "kernel image path")
	flags.BoolVar(&args.NoCertCheck, "no-cert-check", false,
		"disable certificate trust-store verification (required in this version)")

	flags.VarP(newOnceFlag(&args.Ramdisk), "ramdisk", "r", "initial ramdisk path")
	flags.VarP(newOnceFlag(&args.Parmfile), "parmfile", "p", "kernel command-line file path")
	flags.StringVar(&args.HeaderKeyFile, "header-key", "", "explicit 32-byte header-encryption key file")
	flags.StringVar(&args.CompKeyFile, "comp-key", "", "explicit 64-byte component-encryption key file")

	flags.CountVarP(&args.Verbose, "verbose", "V", "increase log verbosity")
	flags.BoolVarP(&args.Version, "version", "v", false, "print version and exit")

	flags.StringVar(&args.CommKeyFile, "x-comm-key", "", "experimental: explicit 32-byte customer comm key file")
	flags.StringVar(&args.PCFHex, "x-pcf", "", "experimental: plaintext control flags, hex")
	flags.StringVar(&args.PSWHex, "x-psw", "", "experimental: initial PSW address, hex (default IMAGE_ENTRY)")
	flags.StringVar(&args.SCFHex, "x-scf", "", "experimental: secret control flags, hex")

	return cmd
}

// run drives the build pipeline. An internal-assertion failure (the
// page-count panic in internal/pv/collection.go) is recovered here rather
// than left to unwind out of main: it surfaces as the same single
// diagnostic line as any other error, with the temp directory already
// removed by the other deferred cleanups below, per spec §7/§9.
func run(args *pv.Args) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	if args.Verbose > 0 {
		logLevel.Set(slog.LevelDebug)
	}
	if err := args.Validate(); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "genprotimg-*")
	if err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	tmpDirCell = tmpDir
	defer cleanupTmpDir()

	stop := installSignalCleanup()
	defer stop()

	buildArgs, err := resolveBuildArgs(args, tmpDir)
	if err != nil {
		return err
	}

	slog.Info("initializing image builder", "kernel", args.Image, "hosts", len(args.HostCertificates))
	img, err := pv.New(*buildArgs, filepath.Join(dataDir, stage3aTemplateFile))
	if err != nil {
		return err
	}

	slog.Info("adding components")
	if err := img.AddComponents(); err != nil {
		return err
	}

	slog.Info("finalizing image (stage3b, secure header, stage3a)")
	if err := img.Finalize(filepath.Join(dataDir, stage3bTemplateFile)); err != nil {
		return err
	}

	slog.Info("writing output", "path", args.Output)
	if err := img.Write(args.Output); err != nil {
		return err
	}

	return nil
}

func resolveBuildArgs(args *pv.Args, tmpDir string) (*pv.BuildArgs, error) {
	hostCerts := make([][]byte, 0, len(args.HostCertificates))
	for _, path := range args.HostCertificates {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading host certificate %s: %w", path, err)
		}
		hostCerts = append(hostCerts, b)
	}

	headerKey, err := readOptionalKeyFile(args.HeaderKeyFile)
	if err != nil {
		return nil, err
	}
	compKey, err := readOptionalKeyFile(args.CompKeyFile)
	if err != nil {
		return nil, err
	}
	commKey, err := readOptionalKeyFile(args.CommKeyFile)
	if err != nil {
		return nil, err
	}

	pcf, err := parseHexUint64(args.PCFHex, 0)
	if err != nil {
		return nil, err
	}
	scf, err := parseHexUint64(args.SCFHex, 0)
	if err != nil {
		return nil, err
	}
	psw, err := parseHexUint64(args.PSWHex, pv.ImageEntry)
	if err != nil {
		return nil, err
	}

	return &pv.BuildArgs{
		KernelPath:   args.Image,
		InitrdPath:   args.Ramdisk,
		CmdlinePath:  args.Parmfile,
		HostCertPEMs: hostCerts,
		HeaderKey:    headerKey,
		CompKey:      compKey,
		CommKey:      commKey,
		PCF:          pcf,
		SCF:          scf,
		PSWAddr:      psw,
		NoCertCheck:  args.NoCertCheck,
		TmpDir:       tmpDir,
	}, nil
}

func readOptionalKeyFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}
	return b, nil
}

// parseHexUint64 parses an experimental flag's hex string, falling back
// to def when the flag was not supplied. Supplementing the distilled
// spec's "--x-psw HEX" with strict format validation, per the original
// tool's hex_str_toull.
func parseHexUint64(hex string, def uint64) (uint64, error) {
	if hex == "" {
		return def, nil
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(hex, "0x"), "0X")
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, pv.NewParseError(pv.ParseSyntax, "hex value", fmt.Sprintf("invalid hex value %q: %v", hex, err))
	}
	return v, nil
}

func cleanupTmpDir() {
	if tmpDirCell == "" {
		return
	}
	os.RemoveAll(tmpDirCell)
}

// installSignalCleanup arranges for SIGINT/SIGTERM to remove the
// process-scoped temp directory before the process exits, per spec §5 /
// §9: the handler only unlinks/removes the directory it was told about
// at startup, never touching builder state.
func installSignalCleanup() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			cleanupTmpDir()
			os.Exit(1)
		case <-done:
		}
	}()
	return func() {
		close(done)
		signal.Stop(sigs)
	}
}
