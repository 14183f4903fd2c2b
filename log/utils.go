package log

import (
	"fmt"

	"github.com/crewjam/rfc5424"
)

// KV builds a structured field for a logging call, e.g.
// lg.Info("job started", log.KV("jobfile", name), log.KV("uid", uid))
func KV(name string, value interface{}) (r rfc5424.SDParam) {
	r.Name = name
	switch v := value.(type) {
	case string:
		r.Value = v
	default:
		r.Value = fmt.Sprintf("%v", value)
	}
	return
}

// KVErr is KV("error", err), for the common case of attaching a
// returned error to a log line.
func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}
