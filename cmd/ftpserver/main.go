// Command ftpserver runs a standalone ftpcore server driven by a TOML
// configuration file.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/meridianftp/ftpcore"
	"github.com/meridianftp/ftpcore/config"
	"github.com/meridianftp/ftpcore/drivers"
	"github.com/meridianftp/ftpcore/log/gokit"

	gklog "github.com/go-kit/kit/log"
)

func main() {
	var confFile string

	var initOnly bool

	flag.StringVar(&confFile, "conf", "settings.toml", "Configuration file")
	flag.BoolVar(&initOnly, "conf-only", false, "Only create a starter config file, then exit")
	flag.Parse()

	if _, err := os.Stat(confFile); os.IsNotExist(err) {
		logrus.WithField("confFile", confFile).Info("No config file, creating one")

		if err := config.Example(confFile); err != nil {
			logrus.WithError(err).Fatal("could not create config file")
		}
	}

	if initOnly {
		logrus.Info("Only creating config, exiting")

		return
	}

	cfg, err := config.Load(confFile)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
	}

	driver, err := drivers.NewFsDriver(cfg.Homedir, cfg.InMemory, cfg.AccountSpecs())
	if err != nil {
		logrus.WithError(err).Fatal("could not build driver")
	}

	driver.Settings = cfg.Settings()
	driver.Logger = gokit.NewGKLoggerStdout().With("component", "driver")

	server := ftpcore.NewFtpServer(driver)
	server.Logger = gokit.NewGKLogger(gklog.NewLogfmtLogger(gklog.NewSyncWriter(os.Stdout))).With(
		"component", "server",
		"ts", gokit.GKDefaultTimestampUTC,
	)

	done := make(chan struct{})
	go signalHandler(server, done)

	if err := server.ListenAndServe(); err != nil {
		select {
		case <-done:
			// stopped via signal, not an error
		default:
			logrus.WithError(err).Fatal("problem serving")
		}
	}
}

func signalHandler(server *ftpcore.FtpServer, done chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)

	defer signal.Stop(ch)

	<-ch
	close(done)

	if err := server.Stop(); err != nil {
		logrus.WithError(err).Error("error stopping server")
	}
}
