package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/i2cpoll/profile"
)

var profilesCmd = cli.Command{
	Name:  "profiles",
	Usage: "list supported device and switch models",
	Action: func(c *cli.Context) error {
		w := tabwriter.NewWriter(os.Stdout, 12, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "MODEL\tADDRESS\tBYTES\tCONVERSION\tCHANNELS\n")
		for _, model := range profile.Models() {
			p, err := profile.Lookup(model)
			if err != nil {
				return err
			}
			channels := make([]string, 0, len(p.Channels))
			for _, ch := range p.Channels {
				channels = append(channels, fmt.Sprintf("%s [%s]", ch, ch.Unit()))
			}
			_, _ = fmt.Fprintf(w, "%s\t%#x\t%d\t%s\t%s\n", p.Model, p.Address, p.TransactionBytes, p.ConversionDelay, strings.Join(channels, ", "))
		}
		_ = w.Flush()

		_, _ = fmt.Fprintln(os.Stdout)
		w = tabwriter.NewWriter(os.Stdout, 12, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "SWITCH\tADDRESS\tCHANNELS\n")
		for _, model := range profile.SwitchModels() {
			s, err := profile.LookupSwitch(model)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "%s\t%#x\t%d\n", s.Model, s.Address, s.Channels)
		}
		_ = w.Flush()
		return nil
	},
}
