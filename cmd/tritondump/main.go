// tritondump inspects the opaque kernel-call payloads consumed by the
// gotriton entry point: it decompresses and decodes a payload file and
// prints the kernels, grids, parameters and autotuning configs inside.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/gomlx/gotriton/triton"
)

func main() {
	app := &cli.Command{
		Name:  "tritondump",
		Usage: "Inspect serialized GPU kernel-call payloads",
		Commands: []*cli.Command{
			dumpCmd(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dumpCmd() *cli.Command {
	var (
		path    string
		rawJSON bool
	)
	return &cli.Command{
		Name:      "dump",
		Usage:     "Decode a payload file and print its contents",
		ArgsUsage: "<payload file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the decoded record as JSON",
				Destination: &rawJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one payload file, got %d arguments", cmd.Args().Len())
			}
			path = cmd.Args().First()
			opaque, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			record, err := triton.DecodeRecord(opaque)
			if err != nil {
				return err
			}
			if rawJSON {
				pretty, err := json.MarshalIndent(record, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(pretty))
				return nil
			}
			return printRecord(record, uint64(len(opaque)))
		},
	}
}

func printRecord(record *triton.Record, compressedSize uint64) error {
	fmt.Printf("payload: %s compressed\n", humanize.Bytes(compressedSize))
	switch {
	case record.KernelCall != nil:
		fmt.Println("type: kernel_call")
		printKernelCall(record.KernelCall, "")
	case record.AutotunedKernelCall != nil:
		autotuned := record.AutotunedKernelCall
		fmt.Println("type: autotuned_kernel_call")
		fmt.Printf("name: %s\n", autotuned.Name)
		fmt.Printf("configs: %d\n", len(autotuned.Configs))
		for i := range autotuned.Configs {
			config := &autotuned.Configs[i]
			fmt.Printf("config #%d: %s\n", i, config.Description)
			printKernelCall(&config.KernelCall, "  ")
		}
		for _, alias := range autotuned.InputOutputAliases {
			fmt.Printf("alias: input %d -> output %d (%s)\n",
				alias.InputBufferIdx, alias.OutputBufferIdx, humanize.Bytes(alias.BufferSizeBytes))
		}
	default:
		return fmt.Errorf("unknown kernel call type")
	}
	return nil
}

func printKernelCall(call *triton.KernelCallRecord, indent string) {
	kernel := &call.Kernel
	fmt.Printf("%skernel: %s (sm_%d%d, %d warps, %s shared, %s of assembly)\n",
		indent, kernel.KernelName, kernel.Arch/10, kernel.Arch%10, kernel.NumWarps,
		humanize.Bytes(uint64(kernel.SharedMemBytes)), humanize.Bytes(uint64(len(kernel.Asm))))
	fmt.Printf("%sgrid: %dx%dx%d\n", indent, call.Grid[0], call.Grid[1], call.Grid[2])
	for i, parameter := range call.Parameters {
		fmt.Printf("%sparameter #%d: %s\n", indent, i, describeParameter(parameter))
	}
}

func describeParameter(parameter triton.ParameterRecord) string {
	switch {
	case parameter.Array != nil:
		return fmt.Sprintf("array (zero %d bytes, alignment %d)",
			parameter.Array.BytesToZero, parameter.Array.PtrDivisibility)
	case parameter.Bool != nil:
		return fmt.Sprintf("bool %v", *parameter.Bool)
	case parameter.I32 != nil:
		return fmt.Sprintf("i32 %d", *parameter.I32)
	case parameter.U32 != nil:
		return fmt.Sprintf("u32 %d", *parameter.U32)
	case parameter.I64 != nil:
		return fmt.Sprintf("i64 %d", *parameter.I64)
	case parameter.U64 != nil:
		return fmt.Sprintf("u64 %d", *parameter.U64)
	}
	return "unknown"
}
