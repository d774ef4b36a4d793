package main

import (
	"bytes"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/x64emu/analysis"
	"github.com/sarchlab/x64emu/disasm"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/loader"
	"github.com/sarchlab/x64emu/log"
)

func (a *app) disasmCmd() *cobra.Command {
	var (
		format    string
		base      uint64
		jobs      int
		functions bool
		opts      disasm.TextOptions
	)

	cmd := &cobra.Command{
		Use:   "disasm <file>...",
		Short: "Disassemble the code of one or more files",
		Long: "Disassemble the code section of ELF or PE images, region dump directories\n" +
			"or raw code files. Several files are processed concurrently and printed\n" +
			"in argument order.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "csv" {
				return fmt.Errorf("unknown format %q", format)
			}

			outputs := make([]bytes.Buffer, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(jobs, 1))
			for i, path := range args {
				g.Go(func() error {
					in, err := openInput(ctx, path, base, jobs)
					if err != nil {
						return err
					}
					code, addr, err := in.code()
					if err != nil {
						return err
					}

					stream := disasm.NewStream(bytes.NewReader(code), addr, a.cfg.StreamOptions()...)
					var an *analysis.Analyser
					if functions {
						an = analysis.NewAnalyser()
					}
					seq := feeding(stream.All(), an)

					if format == "csv" {
						err = disasm.WriteCSV(&outputs[i], seq)
					} else {
						err = disasm.WriteText(&outputs[i], seq, opts)
					}
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					if err := stream.Err(); err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}

					if an != nil {
						an.SecondVerification()
						outputs[i].WriteString(analysis.Render(an.Functions()))
					}
					log.Info(log.CLI, "disassembled", "file", path, "bytes", len(code))
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i := range outputs {
				if len(args) > 1 && format == "text" {
					fmt.Fprintf(out, "; %s\n", args[i])
				}
				if _, err := out.Write(outputs[i].Bytes()); err != nil {
					return err
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&format, "format", "text", "output format: text or csv")
	f.Uint64Var(&base, "base", defaultRawBase, "load address of raw code files")
	f.IntVar(&jobs, "jobs", 4, "number of files processed concurrently")
	f.BoolVar(&functions, "functions", false, "append the discovered functions to text output")
	f.BoolVar(&opts.IncludeInvalid, "invalid", false, "keep undecodable bytes in the listing")
	f.BoolVar(&opts.IncludeNops, "nops", false, "keep nop instructions in the listing")
	return cmd
}

// feeding passes every instruction of seq through an when it is set.
func feeding(seq iter.Seq[insts.Instruction], an *analysis.Analyser) iter.Seq[insts.Instruction] {
	if an == nil {
		return seq
	}
	return func(yield func(insts.Instruction) bool) {
		for inst := range seq {
			an.Feed(inst)
			if !yield(inst) {
				return
			}
		}
	}
}

func (a *app) functionsCmd() *cobra.Command {
	var (
		base        uint64
		calleeSaved bool
		verified    bool
	)

	cmd := &cobra.Command{
		Use:   "functions <file>",
		Short: "List function entry points found by prologue matching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd.Context(), args[0], base, 1)
			if err != nil {
				return err
			}
			code, addr, err := in.code()
			if err != nil {
				return err
			}

			var opts []analysis.Option
			if calleeSaved {
				opts = append(opts, analysis.WithCalleeSavedPushes())
			}
			stream := disasm.NewStream(bytes.NewReader(code), addr, a.cfg.StreamOptions()...)
			an := analysis.Analyse(stream.All(), opts...)
			if err := stream.Err(); err != nil {
				return err
			}

			found := an.Functions()
			if verified {
				found = maps.Clone(found)
				maps.DeleteFunc(found, func(_ uint64, fn *analysis.Function) bool {
					return fn.NeedsVerification
				})
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), analysis.Render(found))
			return err
		},
	}

	f := cmd.Flags()
	f.Uint64Var(&base, "base", defaultRawBase, "load address of raw code files")
	f.BoolVar(&calleeSaved, "callee-saved", false, "also treat pushes of callee-saved registers as prologues")
	f.BoolVar(&verified, "verified", false, "only list functions that are direct call targets")
	return cmd
}

func (a *app) blocksCmd() *cobra.Command {
	var (
		base      uint64
		entries   []string
		functions bool
	)

	cmd := &cobra.Command{
		Use:   "blocks <file>",
		Short: "Explore the basic blocks reachable from the entry points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd.Context(), args[0], base, 1)
			if err != nil {
				return err
			}
			code, addr, err := in.code()
			if err != nil {
				return err
			}

			roots, err := parseAddrs(entries)
			if err != nil {
				return err
			}
			if len(roots) == 0 {
				roots = append(roots, in.entry())
			}
			if functions {
				stream := disasm.NewStream(bytes.NewReader(code), addr, a.cfg.StreamOptions()...)
				an := analysis.Analyse(stream.All())
				if err := stream.Err(); err != nil {
					return err
				}
				roots = append(roots, slices.Sorted(maps.Keys(an.Functions()))...)
			}

			blocks := disasm.Explore(code, addr, roots)
			log.Info(log.CLI, "explored", "file", args[0], "roots", len(roots),
				"blocks", len(blocks.Addresses()))
			_, err = fmt.Fprint(cmd.OutOrStdout(), blocks.Render())
			return err
		},
	}

	f := cmd.Flags()
	f.Uint64Var(&base, "base", defaultRawBase, "load address of raw code files")
	f.StringSliceVar(&entries, "entry", nil, "exploration roots (default: the entry point)")
	f.BoolVar(&functions, "functions", false, "also explore from every discovered function")
	return cmd
}

func (a *app) dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <image> <dir>",
		Short: "Write the sections of an executable as a region dump directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := loader.Open(args[0])
			if err != nil {
				return err
			}
			summary, err := loader.WriteDump(args[1], img)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entry %s\n", summary.EntryPointVA)
			for _, s := range summary.Sections {
				fmt.Fprintf(out, "%-8s %s %8d %s\n", s.Name, s.Address, s.Size, s.Perm)
			}
			return nil
		},
	}
}
