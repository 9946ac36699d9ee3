package main

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current goroutine until a SIGINT appears, matching
// the teacher's own shutdown handshake.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	n, err := parseNode(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("gwnoded: failed to parse config")
	}

	log.Info("gwnoded: running")
	waitSigint()
	log.Info("gwnoded: shutting down..")

	if err := n.Close(); err != nil {
		log.WithError(err).Warn("gwnoded: errors during shutdown")
	}
}
