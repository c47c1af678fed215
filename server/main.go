/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"

	"github.com/tinode/topicsync/server/access"
	"github.com/tinode/topicsync/server/auth"
	"github.com/tinode/topicsync/server/bridge"
	"github.com/tinode/topicsync/server/logs"
	"github.com/tinode/topicsync/server/replica"
	"github.com/tinode/topicsync/server/store"
	"github.com/tinode/topicsync/server/wsproxy"

	// Gates and resolvers.
	_ "github.com/tinode/topicsync/server/access/rest"
	_ "github.com/tinode/topicsync/server/auth/rest"
	_ "github.com/tinode/topicsync/server/auth/token"

	// Database adapters.
	_ "github.com/tinode/topicsync/server/db/memory"
	_ "github.com/tinode/topicsync/server/db/mongodb"
	_ "github.com/tinode/topicsync/server/db/mysql"
	_ "github.com/tinode/topicsync/server/db/postgres"
	_ "github.com/tinode/topicsync/server/db/redis"
	_ "github.com/tinode/topicsync/server/db/rethinkdb"

	// Bridges between nodes.
	_ "github.com/tinode/topicsync/server/bridge/amqp"
	_ "github.com/tinode/topicsync/server/bridge/memory"
	_ "github.com/tinode/topicsync/server/bridge/p2p"
)

const (
	// Version of the server.
	currentVersion = "0.3"
)

// Build version number defined by the compiler:
//
//	-ldflags "-X main.buildstamp=value_to_assign_to_buildstamp"
var buildstamp = "undef"

var globals struct {
	hub *Hub
	// Add Strict-Transport-Security to headers, the value signifies age.
	// Empty string "" turns it off
	tlsStrictMaxAge string
}

func main() {
	executable, _ := os.Executable()

	logFlags := flag.String("log_flags", "stdFlags",
		"Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix)")
	configfile := flag.String("config", "./topicsync.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	staticPath := flag.String("static_data", "", "File path to directory with static files to be served.")
	flag.Parse()

	logs.Init("stderr", *logFlags)

	logs.Info.Printf("Server v%s:%s:%s; pid %d; %d process(es)",
		currentVersion, executable, buildstamp, os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	logs.Info.Printf("Using config from '%s'", *configfile)
	config, err := loadConfig(*configfile)
	if err != nil {
		logs.Err.Fatal(err)
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.TLS != nil && config.TLS.Enabled && config.TLS.StrictMaxAge > 0 {
		globals.tlsStrictMaxAge = strconv.Itoa(config.TLS.StrictMaxAge)
	}
	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	storeConfig := config.StoreConfig
	if len(storeConfig) == 0 {
		storeConfig = json.RawMessage(`{"use_adapter": "memory"}`)
	}
	if err := store.Store.Open(storeConfig); err != nil {
		logs.Err.Fatal("Failed to connect to DB: ", err)
	}
	logs.Info.Println("DB adapter", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())
	defer func() {
		store.Store.Close()
		logs.Info.Println("Closed database connection(s)")
	}()

	gate, err := access.New(config.AccessConfig)
	if err != nil {
		logs.Err.Fatal("Failed to initialize access gate: ", err)
	}
	resolver, err := auth.New(config.AuthConfig)
	if err != nil {
		logs.Err.Fatal("Failed to initialize identity resolver: ", err)
	}
	jobs, err := newWorkspaceJobs(config.JobsConfig)
	if err != nil {
		logs.Err.Fatal(err)
	}

	svc := replica.NewService(replica.Config{
		Gate:    gate,
		Store:   store.Entries,
		NewID:   store.Store.GetUidString,
		Classes: config.Topics,
	})

	stats := newHubStats()
	initialBuffer := config.ProxyConfig.InitialBuffer
	globals.hub = newHub(hubConfig{
		Service:       svc,
		Proxy:         wsproxy.NewRegistry(config.ProxyConfig.registryConfig()),
		Jobs:          jobs,
		ShareRetries:  config.ShareRetries,
		RetryPause:    time.Duration(config.ShareRetryPause) * time.Millisecond,
		SaveWorkers:   config.SaveWorkers,
		Classes:       config.Topics,
		SessionCookie: config.SessionCookie,
		InitialBuffer: initialBuffer,
		MaxMessage:    config.MaxMessageSize,
		Stats:         stats,
	})
	svc.SetBus(hubBus{hub: globals.hub})

	bridgeName, bridgeConf, err := config.bridgeSelection()
	if err != nil {
		logs.Err.Fatal(err)
	}
	if bridgeName != "" {
		br, err := bridge.New(bridgeName, bridgeConf, nodeID, globals.hub.bridgeReceived)
		if err != nil {
			logs.Err.Fatal("Failed to start bridge: ", err)
		}
		globals.hub.setBridge(br)
		logs.Info.Printf("Bridge '%s' started, node %s", bridgeName, nodeID)
	}

	mux := http.NewServeMux()

	// Serve static content from the directory in -static_data flag if that's
	// available, otherwise return 404 to non-websocket requests.
	var fallback http.Handler = http.HandlerFunc(serve404)
	if *staticPath != "" {
		fallback = http.FileServer(http.Dir(*staticPath))
		logs.Info.Printf("Serving static content from '%s'", *staticPath)
	}

	mux.Handle(config.WsPath, &wsHandler{
		hub:              globals.hub,
		resolver:         resolver,
		next:             fallback,
		useXForwardedFor: config.UseXForwardedFor,
	})
	if config.WsPath != "/" {
		mux.Handle("/", fallback)
	}

	for prefix, upstream := range config.ProxyConfig.Routes {
		if !strings.HasPrefix(prefix, "/") {
			logs.Err.Fatalf("Proxy route '%s' must start with '/'", prefix)
		}
		mux.Handle(prefix, &proxyRoute{
			hub:              globals.hub,
			prefix:           prefix,
			upstream:         upstream,
			cookieDomain:     config.ProxyConfig.CookieDomain,
			useXForwardedFor: config.UseXForwardedFor,
		})
		logs.Info.Printf("Proxy route '%s' -> '%s'", prefix, upstream)
	}

	statsInit(mux, config.StatsPath, stats)

	handler := hstsHandler(mux)
	if config.UseXForwardedFor {
		handler = handlers.ProxyHeaders(handler)
	}
	if handler, err = accessLogHandler(handler, config.AccessLog); err != nil {
		logs.Err.Fatal("Failed to open access log: ", err)
	}

	if err = listenAndServe(config.Listen, handler, config.TLS, signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}
	logs.Info.Println("All done, good bye")
}
