package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/easternanemone/labdaq/pkg/device"
)

func newDevicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List configured devices",
		Long: `List the devices declared in the configuration, with the role name
plans resolve them by and the capabilities each one offers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			devices, err := cfg.BuildDevices()
			if err != nil {
				return err
			}

			if jsonOutput {
				type row struct {
					Role         string              `json:"role"`
					Capabilities []device.Capability `json:"capabilities"`
				}
				rows := make([]row, 0, len(devices))
				for _, d := range devices {
					rows = append(rows, row{Role: d.Name(), Capabilities: d.Capabilities()})
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			if len(devices) == 0 {
				fmt.Println("No devices configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tCAPABILITIES")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t", d.Name())
				for i, c := range d.Capabilities() {
					if i > 0 {
						fmt.Fprint(w, ", ")
					}
					fmt.Fprint(w, string(c))
				}
				fmt.Fprintln(w)
			}
			return w.Flush()
		},
	}
	return cmd
}
