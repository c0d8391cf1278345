package cmd

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chpp-org/gochpp/pkg/app"
)

var echoSize int

func init() {
	echoCmd.Flags().IntVar(&echoSize, "size", 32, "Generated payload bytes when no message is given")
	rootCmd.AddCommand(echoCmd)
}

var echoCmd = &cobra.Command{
	Use:   "echo [message]",
	Short: "Round-trip a payload through the echo vendor service",
	Long: `Discover the echo vendor service, send it a request, and verify the
payload comes back unchanged.

Examples:
  chppctl echo "hello there"
  chppctl echo --size 256`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := dialPeer()
		if err != nil {
			return err
		}
		defer p.close()

		if !p.ap.WaitForDiscoveryComplete(opTimeout) {
			return fmt.Errorf("discovery did not complete within %s", opTimeout)
		}
		if !p.echo.Opened() {
			return fmt.Errorf("peer does not publish the echo service")
		}

		var payload []byte
		if len(args) == 1 {
			payload = []byte(args[0])
		} else {
			payload = make([]byte, echoSize)
			for i := range payload {
				payload[i] = byte(i)
			}
		}

		buf := p.echo.NewRequest(echoCommand, app.HeaderLen+len(payload))
		copy(buf[app.HeaderLen:], payload)
		if !p.echo.SendTimestampedRequestAndWait(&p.echoRR, buf, opTimeout) {
			fmt.Printf("%s no response within %s\n", errFmt("FAIL"), opTimeout)
			return fmt.Errorf("echo request timed out")
		}

		select {
		case reply := <-p.replies:
			if reply.h.Error != app.ErrorNone {
				fmt.Printf("%s service error=%s\n", errFmt("FAIL"), reply.h.Error)
				return fmt.Errorf("echo service returned %s", reply.h.Error)
			}
			if !bytes.Equal(reply.payload, payload) {
				fmt.Printf("%s payload mismatch: sent %d bytes, received %d\n",
					errFmt("FAIL"), len(payload), len(reply.payload))
				return fmt.Errorf("echo payload mismatch")
			}
			fmt.Printf("%s %d bytes echoed in %s\n",
				okFmt("PASS"), len(payload), p.echoRR.ResponseTime.Sub(p.echoRR.RequestTime))
			return nil
		default:
			return fmt.Errorf("echo response was not recorded")
		}
	},
}
