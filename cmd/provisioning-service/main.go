package main

import (
	"fmt"
	"os"

	"github.com/kaytu-io/kaytu-marketplace/services/provisioning"
)

func main() {
	if err := provisioning.Command().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
