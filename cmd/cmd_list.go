// cmd_list.go - List, PS und Devices Commands
// Hauptfunktionen: ListHandler, ListRunningHandler, DevicesHandler
package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/format"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// ListHandler - Listet alle registrierten Modelle auf
func ListHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	models, err := client.List(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, name := range models.Models {
		if len(args) == 0 || strings.HasPrefix(strings.ToLower(name), strings.ToLower(args[0])) {
			data = append(data, []string{name})
		}
	}

	table := newTable(os.Stdout, []string{"NAME"})
	table.AppendBulk(data)
	table.Render()

	return nil
}

// ListRunningHandler - Listet geladene Pipelines und den Speicherstand je Geraet
func ListRunningHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.ListRunning(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, m := range resp.Models {
		if len(args) == 0 || strings.HasPrefix(m.Name, args[0]) {
			data = append(data, []string{
				m.Name,
				m.Device,
				m.Offload,
				m.DType,
				format.HumanNumber(uint64(m.Parameters)),
				format.HumanBytes2(m.Size),
				format.HumanTime(m.LoadedAt, "Never"),
			})
		}
	}

	table := newTable(os.Stdout, []string{"NAME", "DEVICE", "OFFLOAD", "DTYPE", "PARAMS", "SIZE", "LOADED"})
	table.AppendBulk(data)
	table.Render()

	if len(resp.Memory) == 0 {
		return nil
	}

	names := make([]string, 0, len(resp.Memory))
	for name := range resp.Memory {
		names = append(names, name)
	}
	sort.Strings(names)

	data = data[:0]
	for _, name := range names {
		st := resp.Memory[name]
		data = append(data, []string{name, format.HumanBytes2(st.Allocated), format.HumanBytes2(st.Cached), format.HumanBytes2(st.Peak)})
	}

	fmt.Println()
	table = newTable(os.Stdout, []string{"DEVICE", "ALLOCATED", "CACHED", "PEAK"})
	table.AppendBulk(data)
	table.Render()

	return nil
}

// DevicesHandler - Zeigt erkannte Geraete an, lokal oder vom Server
func DevicesHandler(cmd *cobra.Command, _ []string) error {
	var devices []api.DeviceResponse
	if local, _ := cmd.Flags().GetBool("local"); local {
		for _, info := range device.Devices() {
			devices = append(devices, api.DeviceResponse{
				Device:      info.Device.String(),
				Name:        info.Name,
				MemoryTotal: info.MemoryTotal,
				MemoryFree:  info.MemoryFree,
				Runtime:     info.Runtime,
				Default:     info.IsDefault,
			})
		}
	} else {
		if err := checkServerHeartbeat(cmd, nil); err != nil {
			return err
		}

		client, err := api.ClientFromEnvironment()
		if err != nil {
			return err
		}

		resp, err := client.Devices(cmd.Context())
		if err != nil {
			return err
		}
		devices = resp.Devices
	}

	writeDevices(os.Stdout, devices)
	return nil
}

func writeDevices(w io.Writer, devices []api.DeviceResponse) {
	var data [][]string
	for _, d := range devices {
		name := d.Device
		if d.Default {
			name += " *"
		}

		runtime := d.Runtime
		if runtime == "" {
			runtime = "-"
		}

		data = append(data, []string{name, d.Name, format.HumanBytes2(d.MemoryTotal), format.HumanBytes2(d.MemoryFree), runtime})
	}

	table := newTable(w, []string{"DEVICE", "NAME", "TOTAL", "FREE", "OFFLOAD RUNTIME"})
	table.AppendBulk(data)
	table.Render()
}

// newListCmd - Erstellt den list Command
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List models",
		PreRunE: checkServerHeartbeat,
		RunE:    ListHandler,
	}
}

// newPsCmd - Erstellt den ps Command
func newPsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ps",
		Short:   "List loaded pipelines and device memory",
		PreRunE: checkServerHeartbeat,
		RunE:    ListRunningHandler,
	}
}

// newDevicesCmd - Erstellt den devices Command
func newDevicesCmd() *cobra.Command {
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List detected devices",
		Args:  cobra.ExactArgs(0),
		RunE:  DevicesHandler,
	}
	devicesCmd.Flags().Bool("local", false, "Detect devices in this process instead of asking the server")
	return devicesCmd
}
