// Package hostdapi describes the wire contract between wharf and hostd.
//
// The service has a single server-streaming method. The request is the
// command line as a StringValue, each response is a BytesValue holding one
// output chunk behind a one-byte stream tag and the exit status travels in
// the trailer once the stream ends.
package hostdapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "wharf.hostd.v1.CommandService"
	ExecMethod  = "/" + ServiceName + "/Exec"

	// ExitCodeTrailer carries the decimal exit status.
	ExitCodeTrailer = "wharf-exit-code"

	tagStdout byte = 'o'
	tagStderr byte = 'e'
)

// CommandServer is implemented by the daemon.
type CommandServer interface {
	Exec(command string, stream grpc.ServerStream) error
}

// ServiceDesc registers a CommandServer on a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CommandServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exec",
			Handler:       execHandler,
			ServerStreams: true,
		},
	},
	Metadata: "wharf/hostd/v1/command.proto",
}

func execHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(CommandServer).Exec(req.GetValue(), stream)
}

// OpenExec starts an Exec call and half-closes the request side.
func OpenExec(ctx context.Context, conn grpc.ClientConnInterface, command string) (grpc.ClientStream, error) {
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], ExecMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(command)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

// EncodeChunk builds the response message for one output chunk. Any stream
// name other than "stderr" is sent as stdout.
func EncodeChunk(stream string, data []byte) *wrapperspb.BytesValue {
	tag := tagStdout
	if stream == "stderr" {
		tag = tagStderr
	}
	value := make([]byte, 0, len(data)+1)
	value = append(value, tag)
	return wrapperspb.Bytes(append(value, data...))
}

// DecodeChunk is the inverse of EncodeChunk.
func DecodeChunk(msg *wrapperspb.BytesValue) (string, []byte, error) {
	value := msg.GetValue()
	if len(value) == 0 {
		return "", nil, errors.New("empty chunk")
	}
	switch value[0] {
	case tagStdout:
		return "stdout", value[1:], nil
	case tagStderr:
		return "stderr", value[1:], nil
	default:
		return "", nil, fmt.Errorf("unknown stream tag %q", value[0])
	}
}

// ExitTrailer builds the trailer reporting code.
func ExitTrailer(code int) metadata.MD {
	return metadata.Pairs(ExitCodeTrailer, strconv.Itoa(code))
}

// ExitCode reads the exit status from a trailer.
func ExitCode(md metadata.MD) (int, error) {
	vals := md.Get(ExitCodeTrailer)
	if len(vals) == 0 {
		return -1, errors.New("missing exit status trailer")
	}
	return strconv.Atoi(vals[0])
}
