package bin

import "github.com/zmap/zmsmq"

// Summary holds the results of a run of a zmsmq binary.
type Summary struct {
	StatusesPerModule map[string]*zmsmq.State `json:"statuses"`
	StartTime         string                  `json:"start"`
	EndTime           string                  `json:"end"`
	Duration          string                  `json:"duration"`
}
