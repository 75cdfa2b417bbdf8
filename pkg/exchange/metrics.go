package exchange

import "github.com/ipfs-force-community/blockbridge/pkg/metrics"

var (
	intentsHandled = metrics.NewInt64Counter("exchange/intents", "Store intents handled by the bridge", metrics.KindKey)
	eventsHandled  = metrics.NewInt64Counter("exchange/events", "Swarm events handled by the bridge", metrics.KindKey)
	handlerErrors  = metrics.NewInt64Counter("exchange/errors", "Failures while handling an intent or event", metrics.KindKey)
)
