package trading

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
)

// PaperOrderID synthesizes an order ID for a simulated fill. The
// PAPER_ prefix is load-bearing: downstream consumers use it to tell
// simulated executions from venue ones.
func PaperOrderID(now time.Time) string {
	return fmt.Sprintf("PAPER_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

// paperFill synthesizes an execution without any external call.
// Slippage noise is applied against the order direction, so simulated
// entries are never optimistic.
func (s *Service) paperFill(pair, side string, hintPrice float64) (*fill, error) {
	price, err := s.resolvePrice(pair, hintPrice)
	if err != nil {
		return nil, err
	}

	if s.cfg.PaperSlippageBps > 0 {
		noise := rand.Float64() * s.cfg.PaperSlippageBps / 10000.0
		if side == string(common.SideBuy) {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}

	return &fill{orderID: PaperOrderID(s.clock()), price: price, paper: true}, nil
}
