package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(discoverCmd)
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the peer's published services",
	Long: `Wait for the service discovery exchange that follows the reset
handshake and print the peer's service list. MATCHED marks services a
registered client was bound to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := dialPeer()
		if err != nil {
			return err
		}
		defer p.close()

		if !p.ap.WaitForDiscoveryComplete(opTimeout) {
			return fmt.Errorf("discovery did not complete within %s", opTimeout)
		}

		services := p.ap.DiscoveredServices()
		if len(services) == 0 {
			fmt.Println(dimFmt("peer publishes no services"))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HANDLE\tNAME\tUUID\tVERSION\tMATCHED")
		for _, s := range services {
			matched := ""
			if s.Matched {
				matched = okFmt("yes")
			}
			fmt.Fprintf(w, "0x%02X\t%s\t%s\t%s\t%s\n",
				s.Handle, s.Descriptor.Name, s.Descriptor.UUID, s.Descriptor.Version, matched)
		}
		return w.Flush()
	},
}
