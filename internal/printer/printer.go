package printer

import (
	"sync/atomic"

	"github.com/funnyzak/swarmtap/internal/config"
	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/pkg/request"
)

// Printer writes one entry per proxied exchange
type Printer interface {
	PrintExchange(route string, data *request.RequestData, resp *request.ResponseData) error
}

var globalExchangeCounter uint64

func nextExchangeNumber() uint64 {
	return atomic.AddUint64(&globalExchangeCounter, 1)
}

// New creates the printer for the configured output mode. It returns nil
// when output is silenced.
func New(cfg *config.OutputConfig, log logger.Logger) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if cfg.Silence {
		return nil
	}
	switch cfg.Mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log)
	}
}
