package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"zulip-gotify-relay-go/internal/app"
	"zulip-gotify-relay-go/internal/config"
)

var version = "0.0.0"

func main() {
	cliApp := &cli.App{
		Name:      "zulip-gotify-relay",
		Usage:     "Forward Zulip events as Gotify push notifications",
		UsageText: "zulip-gotify-relay [options] [GOTIFY_POST_URL]",
		Version:   version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "zuliprc",
				Usage: "Path to the Zulip credentials file",
			},
			&cli.StringFlag{
				Name:  "gotify-url",
				Usage: "Gotify message endpoint including the app token",
			},
			&cli.StringFlag{
				Name:  "ignored-sender",
				Usage: "Sender whose events never notify (defaults to the Zulip account)",
			},
		},
		Action: func(c *cli.Context) error {
			o := config.Overrides{
				ConfigFile:    c.String("config"),
				ZulipRC:       c.String("zuliprc"),
				GotifyURL:     c.String("gotify-url"),
				IgnoredSender: c.String("ignored-sender"),
			}
			if o.GotifyURL == "" && c.Args().Len() > 0 {
				o.GotifyURL = c.Args().First()
			}
			return app.Run(o)
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logrus.Fatalf("application error: %v", err)
	}
}
