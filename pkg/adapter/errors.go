// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

// ConnClosedError is returned when operations are attempted on a closed connection.
type ConnClosedError struct{}

// ConsumerConfEmptyError indicates that a nil or empty consumer configuration
// was provided when creating a new consumer.
type ConsumerConfEmptyError struct{}

// ConsumerClosedError is returned when a start or recovery is abandoned
// because the consumer is being stopped.
type ConsumerClosedError struct{}

// ConsumerNotStartedError is returned by operations that need a running consumer.
type ConsumerNotStartedError struct{}

// DispatchActiveError is returned by RunDispatch while another dispatch loop
// is running on the same consumer.
type DispatchActiveError struct{}

// MessageCompletedError is returned by a second Complete call.
type MessageCompletedError struct{}

// PoolClosedError is returned by a pool after Close.
type PoolClosedError struct{}

// StreamConsumedError is yielded when a stream is ranged over a second time.
type StreamConsumedError struct{}

// Error implements the error interface for ConnClosedError.
// It indicates the client explicitly closed the connection.
func (ConnClosedError) Error() string {
	return "connection closed by client"
}

// Error implements the error interface for ConsumerConfEmptyError.
// It notifies that consumer configuration was not provided.
func (ConsumerConfEmptyError) Error() string {
	return "empty consumer config passed, unable to create"
}

// Error implements the error interface for ConsumerClosedError.
// It signals that the consumer has already been closed.
func (ConsumerClosedError) Error() string {
	return "consumer already closed, unable to provide"
}

func (ConsumerNotStartedError) Error() string {
	return "consumer not started"
}

func (DispatchActiveError) Error() string {
	return "dispatch loop already running on this consumer"
}

// Error implements the error interface for MessageCompletedError.
// Completing a message twice is a programming error.
func (MessageCompletedError) Error() string {
	return "message already completed"
}

func (PoolClosedError) Error() string {
	return "channel pool closed, unable to provide"
}

func (StreamConsumedError) Error() string {
	return "stream already consumed"
}
