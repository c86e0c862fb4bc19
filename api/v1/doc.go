// Package api defines the wire contract for the warden.v1.JobService gRPC
// service: the request/response messages, the service descriptor, and client
// stubs.
//
// Messages are plain structs encoded with CBOR through a codec registered
// with the gRPC encoding registry, so no generated protobuf code is involved.
// The service descriptor and stubs are written by hand and follow the same
// shape protoc-gen-go-grpc would produce.
package api
