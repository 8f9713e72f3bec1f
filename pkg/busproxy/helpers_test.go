package busproxy

import "github.com/docbliny/bt2mqtt/pkg/logger"

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "text"})
}
