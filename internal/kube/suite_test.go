package kube

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestClientExecutor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ClientExecutor Suite")
}
