// chppbridge exposes a serial-attached CHPP peripheral over a TCP
// socket, relaying raw bytes in both directions. It sits below the CHPP
// framing, so chppd or chppctl can run unmodified against a UART on
// another machine.
package main

import (
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
)

func main() {
	listenAddr := flag.String("listen", ":2477", "TCP address to listen on")
	device := flag.String("serial", "/dev/ttyUSB0", "Serial device to bridge")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := logging.Init(&logging.Config{Level: *logLevel, Format: "console"}); err != nil {
		panic(err)
	}
	defer logging.Sync()

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logging.Fatal("Failed to listen",
			zap.String("address", *listenAddr), zap.Error(err))
	}
	defer listener.Close()

	logging.Info("Bridging serial device",
		zap.String("device", *device),
		zap.Int("baud", *baud),
		zap.String("listen", *listenAddr))

	// Handle shutdown gracefully
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("Shutting down bridge...")
		listener.Close()
		os.Exit(0)
	}()

	// One peer at a time; the UART has a single far end.
	for {
		conn, err := listener.Accept()
		if err != nil {
			logging.Error("Accept failed", zap.Error(err))
			continue
		}
		bridge(conn, *device, *baud)
	}
}

// bridge relays bytes between conn and the serial device until either
// side closes. The device is opened per connection, so an unplugged
// adapter recovers on the next dial.
func bridge(conn net.Conn, device string, baud int) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		logging.Error("Failed to open serial device",
			zap.String("device", device), zap.Error(err))
		return
	}
	defer port.Close()

	logging.Info("Peer connected", zap.String("remote", remote))

	// Bidirectional forwarding. Each direction closes the other's read
	// side when it ends, so both goroutines always finish.
	done := make(chan error, 2)

	go func() {
		n, err := io.Copy(port, conn)
		logging.Debug("TCP to serial closed",
			zap.String("remote", remote), zap.Int64("bytes", n), zap.Error(err))
		port.Close()
		done <- err
	}()

	go func() {
		n, err := io.Copy(conn, port)
		logging.Debug("Serial to TCP closed",
			zap.String("remote", remote), zap.Int64("bytes", n), zap.Error(err))
		conn.Close()
		done <- err
	}()

	<-done
	<-done

	logging.Info("Peer disconnected", zap.String("remote", remote))
}
