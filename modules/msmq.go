package modules

import "github.com/zmap/zmsmq/modules/msmq"

func init() {
	msmq.RegisterModule()
}
