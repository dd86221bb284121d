// Command edgecore wires the privacy-preserving reverse proxy together
// and serves it. The Router it builds is a plain http.Handler: on the
// target edge compute platform, the platform's own guest entrypoint
// binds one inbound request to this handler and there is no listening
// socket; ListenAndServe here is the local development harness.
package main

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/trustedserver/edgecore/auction"
	"github.com/trustedserver/edgecore/auction/provider"
	"github.com/trustedserver/edgecore/config"
	"github.com/trustedserver/edgecore/dedup"
	"github.com/trustedserver/edgecore/integrations"
	"github.com/trustedserver/edgecore/keys"
	"github.com/trustedserver/edgecore/kvstore"
	"github.com/trustedserver/edgecore/origin"
	"github.com/trustedserver/edgecore/proxy"
	"github.com/trustedserver/edgecore/rewrite"
	"github.com/trustedserver/edgecore/router"
	"github.com/trustedserver/edgecore/signedurl"
	"github.com/trustedserver/edgecore/synthetic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// clickDedupCapacity sizes the cuckoo filter for roughly one hour of
// distinct clicks on a mid-traffic publisher before its false-positive
// rate starts climbing; restarted on every process boot.
const clickDedupCapacity = 1 << 20

// bidderTimeout bounds each individual provider's round trip within the
// overall auction budget.
const bidderTimeout = 1000 * time.Millisecond

var (
	configPath = flag.String("config", "edgecore.toml", "path to the TOML config file")
	listenAddr = flag.String("listen", ":8080", "local development listen address")
	dataDir    = flag.String("data-dir", "./data", "directory for the embedded KV store files")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Errorf("loading config: %v", err)
		return 1
	}
	config.Owner.Set(cfg)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		glog.Errorf("creating data dir: %v", err)
		return 1
	}

	db, err := kvstore.OpenBunt(*dataDir + "/edgecore.db")
	if err != nil {
		glog.Errorf("opening kv store: %v", err)
		return 1
	}

	counters := kvstore.NewBuntStore(db, "counter_store")
	opids := kvstore.NewBuntStore(db, "opid_store")
	keyCfg := kvstore.NewBuntStore(db, "key_config_store")
	keySecret := kvstore.NewBuntStore(db, "key_secret_store")

	ks := keys.New(keyCfg, keySecret)
	if _, err := ks.Bootstrap(context.Background()); err != nil {
		glog.Errorf("bootstrapping key store: %v", err)
		return 1
	}

	codec := signedurl.New(cfg.Publisher.ProxySecret)
	synth := synthetic.New(cfg.Synthetic.SecretKey, cfg.Synthetic.Template, cfg.Publisher.Domain, counters, opids)
	reg := integrations.Build(cfg, defaultIntegrations())

	httpClient := &http.Client{Timeout: 10 * time.Second}
	auctionTimeout := time.Duration(cfg.Auction.TimeoutMS) * time.Millisecond

	originProxy := &origin.Proxy{
		Fetcher:        httpClient,
		Codec:          codec,
		Registry:       reg,
		Synthetic:      synth,
		ExcludeDomains: cfg.Rewrite.ExcludeDomains,
		CookieDomain:   cfg.Publisher.CookieDomain,
		Timeout:        auctionTimeout,
	}
	firstParty := &proxy.Handler{
		Codec:          codec,
		Fetcher:        httpClient,
		Synthetic:      synth,
		Keys:           ks,
		Registry:       reg,
		ExcludeDomains: cfg.Rewrite.ExcludeDomains,
		CookieDomain:   cfg.Publisher.CookieDomain,
		Timeout:        auctionTimeout,
		ClickDedup:     dedup.New(clickDedupCapacity),
	}

	var orchestrator *auction.Orchestrator
	if cfg.Auction.Enabled {
		orchestrator = buildOrchestrator(cfg, httpClient, codec)
	}

	rt := &router.Router{
		Config:   cfg,
		Registry: reg,
		Keys:     ks,
		Proxy:    firstParty,
		Origin:   originProxy,
		Auction:  orchestrator,
	}

	glog.Infof("edgecore listening on %s (publisher=%s)", *listenAddr, cfg.Publisher.Domain)
	if err := http.ListenAndServe(*listenAddr, rt); err != nil {
		glog.Errorf("server exited: %v", err)
		return 1
	}
	return 0
}

// buildOrchestrator constructs the auction Orchestrator from the
// configured provider and mediator names. Each name's outbound OpenRTB
// endpoint is read from its [integrations.<name>] blob's "endpoint"
// field, the same per-integration config surface providers already use
// for any other setting.
func buildOrchestrator(cfg *config.Config, httpClient *http.Client, codec *signedurl.Codec) *auction.Orchestrator {
	providers := make([]auction.Provider, 0, len(cfg.Auction.Providers))
	for _, name := range cfg.Auction.Providers {
		providers = append(providers, provider.NewOpenRTB(name, providerEndpoint(cfg, name), httpClient))
	}

	var mediator auction.Mediator
	if cfg.Auction.Mediator != "" {
		mediator = provider.NewOpenRTB(cfg.Auction.Mediator, providerEndpoint(cfg, cfg.Auction.Mediator), httpClient)
	}

	overall := time.Duration(cfg.Auction.TimeoutMS) * time.Millisecond
	o := auction.New(providers, mediator, bidderTimeout, overall)

	if base, err := url.Parse("https://" + cfg.Publisher.Domain); err == nil {
		o.Mapper = rewrite.NewMapper(codec, base, cfg.Rewrite.ExcludeDomains)
	}
	return o
}

// providerEndpoint reads the "endpoint" field out of a provider's
// [integrations.<name>] configuration blob.
func providerEndpoint(cfg *config.Config, name string) string {
	blob, ok := cfg.IntegrationJSON(name)
	if !ok {
		return ""
	}
	var v struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal(blob, &v); err != nil {
		return ""
	}
	return v.Endpoint
}

// defaultIntegrations lists the integrations compiled into this build,
// in the fixed order they run for every document.
func defaultIntegrations() []integrations.Definition {
	return []integrations.Definition{
		{
			ID:             "rsc",
			DefaultEnabled: true,
			ScriptRewriter: integrations.RSCScriptRewriter{},
			PostProcessor:  integrations.RSCPostProcessor{},
		},
	}
}
