package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

const serviceLabel = "topacc"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line with common HTTP fields. Every
// line carries the service label so aggregated logs stay filterable.
func LogRequest(entry map[string]any) {
	if _, ok := entry["service"]; !ok {
		entry["service"] = serviceLabel
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"service":"` + serviceLabel + `","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
