// Copyright 2025 The Pulsegrid Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pulsegrid/presence/server"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file.")
	nodeName := flag.String("name", "", "Node name override.")
	flag.Parse()

	config := server.NewConfig()
	if *configPath != "" {
		if err := server.ParseConfigFile(*configPath, config); err != nil {
			// The logger depends on config, so this one failure goes to stderr.
			os.Stderr.WriteString("Failed to parse config file: " + err.Error() + "\n")
			os.Exit(1)
		}
	}
	if *nodeName != "" {
		config.Name = *nodeName
	}

	logger, startupLogger := server.SetupLogging(config)
	config.Validate(logger)

	startupLogger.Info("Starting presence server", zap.String("node", config.Name))

	ctx, ctxCancelFn := context.WithCancel(context.Background())
	defer ctxCancelFn()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Address,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.String("address", config.Redis.Address), zap.Error(err))
	}
	startupLogger.Info("Connected to Redis", zap.String("address", config.Redis.Address))

	db, err := sql.Open("pgx", config.Database.Address)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	startupLogger.Info("Connected to database")

	metrics := server.NewLocalMetrics(config.Name)
	kv := server.NewRedisKV(logger, redisClient)
	graph := server.NewSQLGraphResolver(logger, db)
	bus := server.NewRedisBus(ctx, logger, redisClient, config.Redis.ChannelPrefix)
	presence := server.NewPresenceStore(logger, kv, config.Presence)
	registry := server.NewSessionRegistry(logger, metrics)
	pipeline := server.NewPipeline(logger, config, presence, graph, bus, metrics)
	reaper := server.StartReaper(ctx, logger, config.Presence, kv, presence, bus, metrics)
	api := server.StartApiServer(logger, startupLogger, config, registry, pipeline, presence, graph, bus, kv, metrics)

	startupLogger.Info("Startup done")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-interrupt

	startupLogger.Info("Shutting down")

	// Stop components in reverse order of initialization.
	api.Stop()
	reaper.Stop()
	registry.Stop()
	bus.Stop()
	ctxCancelFn()
	if err := kv.Close(); err != nil {
		logger.Warn("Failed to close KV client", zap.Error(err))
	}
	if err := db.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}

	startupLogger.Info("Shutdown complete")
	_ = logger.Sync()
}
