package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chpp-org/gochpp/pkg/app"
)

func init() {
	rootCmd.AddCommand(timesyncCmd)
}

var timesyncCmd = &cobra.Command{
	Use:   "timesync",
	Short: "Measure the peer clock offset",
	Long: `Measure the offset between the local clock and the peer clock over
several GetTime round trips, keeping the lowest-RTT sample.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := dialPeer()
		if err != nil {
			return err
		}
		defer p.close()

		r := p.ap.MeasureTimeOffset(opTimeout)
		if r.Error != app.ErrorNone {
			fmt.Printf("%s error=%s\n", errFmt("FAIL"), r.Error)
			return fmt.Errorf("timesync measurement failed: %s", r.Error)
		}
		fmt.Printf("%s offset=%s rtt=%s\n", okFmt("PASS"), r.Offset, r.RTT)
		return nil
	},
}
