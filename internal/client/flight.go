package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient pushes result records to an Arrow Flight server.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut sends record to the given dataset and waits until the server has
// consumed the stream.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("client: DoPut: %w", err)
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return fmt.Errorf("client: write %s: %w", datasetName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("client: close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("client: close send: %w", err)
	}

	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("client: DoPut %s: %w", datasetName, err)
		}
	}
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
