package storage

import (
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// Tables names the table and queue resources backing the board state.
type Tables struct {
	Projects string
	Members  string
	Boards   string
	Columns  string
	Cards    string
	Messages string
	Audit    string
}

// Storage provides access to the persistent board state and the audit queue.
type Storage struct {
	projectTable *aztables.Client
	memberTable  *aztables.Client
	boardTable   *aztables.Client
	columnTable  *aztables.Client
	cardTable    *aztables.Client
	messageTable *aztables.Client
	auditQueue   *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	aq, err := azqueue.NewQueueClientFromConnectionString(connStr, tables.Audit, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		projectTable: svc.NewClient(tables.Projects),
		memberTable:  svc.NewClient(tables.Members),
		boardTable:   svc.NewClient(tables.Boards),
		columnTable:  svc.NewClient(tables.Columns),
		cardTable:    svc.NewClient(tables.Cards),
		messageTable: svc.NewClient(tables.Messages),
		auditQueue:   aq,
	}, nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ETag         string `json:"odata.etag,omitempty"`
}
