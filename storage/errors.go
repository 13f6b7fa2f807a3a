package storage

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// ErrConcurrencyConflict indicates that the table service rejected a
// conditional write because the entity changed since it was read.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// ErrAlreadyExists indicates an insert collided with an existing row key.
var ErrAlreadyExists = errors.New("entity already exists")

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusPreconditionFailed:
			return ErrConcurrencyConflict
		case http.StatusConflict:
			return ErrAlreadyExists
		case http.StatusNotFound:
			return ErrNotFound
		}
	}
	return err
}

func mapReadError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}
