package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/mcprobe/controller/internal/applog"
	"github.com/mcprobe/controller/internal/config"
	"github.com/mcprobe/controller/internal/dispatch"
	"github.com/mcprobe/controller/internal/geoip"
	"github.com/mcprobe/controller/internal/httpapi"
	"github.com/mcprobe/controller/internal/orchestrate"
	"github.com/mcprobe/controller/internal/probesession"
	"github.com/mcprobe/controller/internal/resolver"
)

func main() {
	ctx := context.Background()
	log := applog.For("main")

	cfg, err := config.Load(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	geo, err := geoip.Open(cfg.GeoIPDir)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize GeoIP databases")
	}
	defer geo.Close()

	creds := probesession.NewCredentialStore(cfg.CredentialsPath)
	if err := creds.Load(); err != nil {
		log.WithError(err).Warn("initial credentials load failed; starting with an empty map")
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go creds.Watch(watchCtx, time.Second)

	sessions := probesession.NewManager(creds)
	d := dispatch.NewDispatcher(sessions)
	sessions.SetReplyHandler(d.Resolve)

	res := resolver.New()
	direct := orchestrate.NewDirect(res, geo)
	distributed := orchestrate.NewDistributed(res, geo, sessions, d)

	server := httpapi.NewServer(sessions, direct, distributed)

	log.WithField("addr", cfg.Addr()).Info("starting controller")
	if err := http.ListenAndServe(cfg.Addr(), server.Handler()); err != nil {
		log.WithError(err).Error("controller stopped")
		os.Exit(1)
	}
}
