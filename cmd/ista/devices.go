package main

import (
	"errors"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-ista/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List compute backends and their devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listDevices(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func listDevices(w io.Writer) error {
	pr := message.NewPrinter(language.English)
	for _, kind := range device.SupportedBackends() {
		var (
			infos []device.DeviceInfo
			err   error
		)
		switch kind {
		case device.KindCPU:
			b := device.NewCPUBackend()
			infos = []device.DeviceInfo{b.Info()}
			err = b.Close()
		case device.KindOpenCL:
			infos, err = device.EnumerateDevices()
		}

		switch {
		case errors.Is(err, device.ErrNotBuilt):
			pr.Fprintf(w, "%-8s not built (rebuild with -tags opencl)\n", kind)
			continue
		case err != nil:
			pr.Fprintf(w, "%-8s unavailable: %v\n", kind, err)
			continue
		}
		for i, info := range infos {
			fp64 := "no"
			if info.DoublePrecision {
				fp64 = "yes"
			}
			pr.Fprintf(w, "%-8s [%d] %s (%s, %s) units=%d fp64=%s\n",
				kind, i, info.Name, info.Type, info.Vendor, info.ComputeUnits, fp64)
		}
	}
	return nil
}
