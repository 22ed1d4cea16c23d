package gateway

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/binance"
	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
)

// DefaultFactory builds live adapters by venue name. The testnet flag
// applies to every venue that offers one.
func DefaultFactory(testnet bool, log *logrus.Entry) Factory {
	return func(venue string) (common.Adapter, error) {
		switch venue {
		case "binance":
			return binance.New(testnet, log.WithField("venue", "binance")), nil
		default:
			return nil, fmt.Errorf("unsupported exchange: %s", venue)
		}
	}
}
