package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	loopbackSize  int
	loopbackCount int
)

func init() {
	loopbackCmd.Flags().IntVar(&loopbackSize, "size", 64, "Payload bytes per loopback request")
	loopbackCmd.Flags().IntVar(&loopbackCount, "count", 1, "Number of loopback requests")
	rootCmd.AddCommand(loopbackCmd)
}

var loopbackCmd = &cobra.Command{
	Use:     "loopback",
	Aliases: []string{"ping"},
	Short:   "Run application-layer loopback tests",
	Long: `Send loopback requests through the predefined loopback service and
score each echo byte by byte.

Examples:
  chppctl loopback
  chppctl loopback --size 512 --count 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := dialPeer()
		if err != nil {
			return err
		}
		defer p.close()

		payload := make([]byte, loopbackSize)
		for i := range payload {
			payload[i] = byte(i)
		}

		failed := 0
		for i := 0; i < loopbackCount; i++ {
			r := p.ap.RunLoopbackTest(payload, opTimeout)
			if r.Passed() {
				fmt.Printf("%s %d byte datagram echoed in %s\n", okFmt("PASS"), r.RequestLen, r.RTT)
				continue
			}
			failed++
			fmt.Printf("%s error=%s firstError=%d byteErrors=%d\n",
				errFmt("FAIL"), r.Error, r.FirstError, r.ByteErrors)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d loopback requests failed", failed, loopbackCount)
		}
		return nil
	},
}
