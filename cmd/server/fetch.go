package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/scott-cotton/cli"

	"github.com/ironhee/jsonapi/internal/jsonapi"
	"github.com/ironhee/jsonapi/internal/pool"
	"github.com/ironhee/jsonapi/internal/rest"
)

type FetchConfig struct {
	*MainConfig

	Include string `cli:"name=include desc='comma separated relations to include'"`
	Remote  string `cli:"name=remote desc='base URL of the resource server, overrides the config file'"`

	Fetch *cli.Command
}

func FetchCommand(ctx context.Context, mainCfg *MainConfig) *cli.Command {
	cfg := &FetchConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Fetch, "fetch").
		WithSynopsis("fetch [-remote url] [-include rels] type [id]").
		WithDescription("fetch a resource or a collection and print it as flat JSON").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return fetch(ctx, cfg, cc, args)
		})
}

func fetch(ctx context.Context, cfg *FetchConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Fetch.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("%w: fetch requires a type and an optional id", cli.ErrUsage)
	}
	conf, err := cfg.load()
	if err != nil {
		return err
	}
	if cfg.Remote != "" {
		conf.Client.BaseURL = cfg.Remote
	}
	log, err := newLogger(os.Stderr, conf.Log)
	if err != nil {
		return err
	}

	var httpClient *http.Client
	if conf.Client.Timeout > 0 {
		httpClient = &http.Client{Timeout: conf.Client.Timeout}
	}
	client, err := rest.New(rest.Config{
		BaseURL: conf.Client.BaseURL,
		HTTP:    httpClient,
		Headers: conf.Client.Headers,
		Log:     log,
	})
	if err != nil {
		return err
	}
	p, err := pool.New(pool.Config{Synchronizer: client, Remotes: conf.Registry(), Log: log})
	if err != nil {
		return err
	}
	typ := args[0]
	if _, err := p.Remote(typ); err != nil {
		p.AddRemote(typ, "/"+typ+"/")
	}

	var id jsonapi.ID
	if len(args) == 2 {
		id = jsonapi.ParseID(args[1])
	}
	params := url.Values{}
	if cfg.Include != "" {
		params.Set("include", strings.TrimSpace(cfg.Include))
	}
	resources, err := p.Fetch(ctx, typ, id, params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cc.Out)
	enc.SetIndent("", "  ")
	for _, r := range resources {
		if err := enc.Encode(r.Flatten()); err != nil {
			return err
		}
	}
	return nil
}
