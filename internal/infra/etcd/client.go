package etcd

import (
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

// NewClient connects to etcd. Extra dial options are passed to the gRPC
// client, e.g. for tracing.
func NewClient(endpoints []string, timeout time.Duration, opts ...grpc.DialOption) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
		DialOptions: opts,
	})
	if err != nil {
		return nil, err
	}
	return cli, nil
}
