// The emulator is a development sandbox for the secure element link: a fake
// secure element listening on a unix socket and the backend HTTP endpoints
// (key agreement, confirmations, CRUD resources) backed by memory.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func main() {

	socketPath := flag.String("socket", "/tmp/selink-card.sock", "unix socket path for the card emulator")
	httpAddr := flag.String("http", "127.0.0.1:8475", "listen address for the backend endpoints")
	keyTTL := flag.Duration("key-ttl", 15*time.Minute, "lifetime of negotiated encryption keys")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	backend, err := newBackend(log.With().Str("component", "backend").Logger(), *keyTTL)

	if err != nil {
		log.Fatal().Err(err).Msg("backend init failed")
	}

	go func() {
		log.Info().Str("addr", *httpAddr).Msg("backend listening")
		if err := http.ListenAndServe(*httpAddr, backend.router()); err != nil {
			log.Fatal().Err(err).Msg("backend server failed")
		}
	}()

	if err := serveCard(log.With().Str("component", "card").Logger(), *socketPath); err != nil {
		log.Fatal().Err(err).Msg("card emulator failed")
	}

}

func serveCard(log zerolog.Logger, socketPath string) error {

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)

	if err != nil {
		return err
	}

	defer listener.Close()

	log.Info().Str("socket", socketPath).Msg("card emulator listening")

	for {
		connection, err := listener.Accept()

		if err != nil {
			return err
		}

		go serveConnection(log, connection)
	}

}

// serveConnection runs one card per connection, one frame per read. The link
// is single-outstanding-command: each command frame gets exactly one response
// frame.
func serveConnection(log zerolog.Logger, connection net.Conn) {

	defer connection.Close()

	log.Info().Msg("host connected")

	emulated, err := newCard(log)

	if err != nil {
		log.Error().Err(err).Msg("card init failed")
		return
	}

	buf := make([]byte, 4096)

	for {
		n, err := connection.Read(buf)

		if err != nil {
			log.Info().Msg("host disconnected")
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		response := emulated.handle(frame)

		if _, err := connection.Write(response); err != nil {
			log.Warn().Err(err).Msg("write failed")
			return
		}
	}

}
