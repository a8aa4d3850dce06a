package main

import (
	"github.com/zmap/zmsmq/bin"
	_ "github.com/zmap/zmsmq/modules"
)

func main() {
	bin.ZMSMQMain()
}
