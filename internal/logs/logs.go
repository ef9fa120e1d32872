package logs

import (
	"io"
	"os"

	logging "github.com/op/go-logging"
)

const format = `%{time:2006-01-02 15:04:05} %{level:.5s} [%{module}] %{message}`

// Init installs the process-wide backend. Unknown levels fall back to INFO.
func Init(level string) error {
	return initWith(os.Stdout, level)
}

func initWith(w io.Writer, level string) error {
	baseBackend := logging.NewLogBackend(w, "", 0)
	backendFormatter := logging.NewBackendFormatter(baseBackend, logging.MustStringFormatter(format))

	backendLeveled := logging.AddModuleLevel(backendFormatter)
	logLevelCode, err := logging.LogLevel(level)
	if err != nil {
		backendLeveled.SetLevel(logging.INFO, "")
		logging.SetBackend(backendLeveled)
		return err
	}
	backendLeveled.SetLevel(logLevelCode, "")
	logging.SetBackend(backendLeveled)
	return nil
}
