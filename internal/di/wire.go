//go:build wireinject
// +build wireinject

package di

import (
	domrepo "TWPull/internal/domain/repository"
	internalrepo "TWPull/internal/repository"
	"TWPull/pkg/config"
	"TWPull/pkg/server"

	"github.com/google/wire"
)

var coreSet = wire.NewSet(
	// Infrastructure
	ProvideKafkaProducer,
	ProvideLogger,
	ProvideSQLStore,
	wire.Bind(new(domrepo.PriceStore), new(*internalrepo.SQLStore)),
	ProvideMetrics,
	ProvideRedisClient,
	ProvideCache,

	// Fetching
	ProvideSource,
	ProvidePipeline,
	ProvidePacer,

	// Use cases
	ProvideCoverage,
	ProvideDetector,
	ProvideProgressObserver,
	ProvideBackfiller,
	ProvideRepairer,
	ProvideReturnStore,
	ProvideReturns,
)

// InitializeApp wires the long-running service: HTTP API, job queue workers
// and the daily scheduler.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		coreSet,
		ProvideQueue,
		ProvideDispatcher,
		ProvideScheduler,
		ProvideHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}

// InitializeRuntime wires the use cases for one-shot CLI commands.
func InitializeRuntime(cfg *config.Config) (*Runtime, func(), error) {
	wire.Build(
		coreSet,
		wire.Struct(new(Runtime), "*"),
	)
	return nil, nil, nil
}
