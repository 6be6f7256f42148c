package node

import (
	logging "github.com/ipfs/go-log/v2"
)

// bridgeLibp2pLogging routes go-libp2p's own logging subsystem (which the
// host, DHT, and transports all log through) into the same level the node
// itself logs at, so operators tune verbosity in one place.
func bridgeLibp2pLogging(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)
}
