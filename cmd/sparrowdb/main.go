package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kvcore/sparrowdb/sparrow"
)

// fileConfig mirrors Config, loaded from an optional --config TOML file and
// layered under whatever flags the caller actually passed.
type fileConfig struct {
	Port          int    `toml:"port"`
	ReplicaOf     string `toml:"replicaof"`
	Dir           string `toml:"dir"`
	DBFilename    string `toml:"dbfilename"`
	SweepInterval string `toml:"sweep_interval"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	_, err := toml.DecodeFile(path, &fc)
	return fc, err
}

func main() {
	var (
		configPath = flag.String("config", "", "optional TOML config file")
		port       = flag.Int("port", 6379, "port to listen on")
		replicaOf  = flag.String("replicaof", "", "\"<host> <port>\" of the primary to replicate from")
		dir        = flag.String("dir", "", "directory containing the RDB file")
		dbFilename = flag.String("dbfilename", "", "name of the RDB file")
	)
	flag.Parse()

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("sparrowdb")

	fc, err := loadFileConfig(*configPath)
	if err != nil {
		log.Fatal("failed to read config file", zap.String("path", *configPath), zap.Error(err))
	}

	cfg := sparrow.Config{
		Port:          firstNonZeroInt(*port, fc.Port, 6379),
		ReplicaOf:     firstNonEmpty(*replicaOf, fc.ReplicaOf),
		Dir:           firstNonEmpty(*dir, fc.Dir),
		DBFilename:    firstNonEmpty(*dbFilename, fc.DBFilename),
		SweepInterval: 500 * time.Millisecond,
	}
	if fc.SweepInterval != "" {
		if d, err := time.ParseDuration(fc.SweepInterval); err == nil {
			cfg.SweepInterval = d
		}
	}

	srv := sparrow.New(cfg, log)
	if err := srv.LoadRDB(); err != nil {
		log.Fatal("failed to load RDB file", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting sparrowdb", zap.Int("port", cfg.Port), zap.Bool("replica", cfg.ReplicaOf != ""))
	if err := srv.Start(ctx); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
	os.Exit(0)
}

// firstNonZeroInt returns flagVal when it differs from flagDefault, else
// fileVal when the file set it (non-zero), else flagDefault.
func firstNonZeroInt(flagVal, fileVal, flagDefault int) int {
	if flagVal != flagDefault {
		return flagVal
	}
	if fileVal != 0 {
		return fileVal
	}
	return flagDefault
}

func firstNonEmpty(flagVal, fileVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return fileVal
}
