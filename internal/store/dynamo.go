package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// Dynamo is the production Store backed by a single DynamoDB table
// with a string partition key "pk" and string sort key "sk". Values
// live in the binary attribute "v"; sequence counters live in a
// dedicated "seq#" partition so they never appear in ranges.
type Dynamo struct {
	client *dynamodb.Client
	table  string
	logger zerolog.Logger
}

// DynamoConfig selects the table and, for local development, an
// endpoint override.
type DynamoConfig struct {
	Table    string
	Region   string
	Endpoint string
	Logger   zerolog.Logger
}

// NewDynamo builds the DynamoDB-backed store using the default AWS
// credential chain.
func NewDynamo(ctx context.Context, cfg DynamoConfig) (*Dynamo, error) {
	if cfg.Table == "" {
		return nil, errors.New("store: dynamo table name is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Dynamo{
		client: client,
		table:  cfg.Table,
		logger: cfg.Logger.With().Str("component", "store").Str("driver", "dynamo").Logger(),
	}, nil
}

func (d *Dynamo) Put(ctx context.Context, item Item, ifAbsent bool) error {
	in := &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: item.Partition},
			"sk": &ddbtypes.AttributeValueMemberS{Value: item.Sort},
			"v":  &ddbtypes.AttributeValueMemberB{Value: item.Value},
		},
	}
	if ifAbsent {
		in.ConditionExpression = aws.String("attribute_not_exists(pk)")
	}
	_, err := d.client.PutItem(ctx, in)
	var ccf *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrAlreadyExists
	}
	return err
}

func (d *Dynamo) Get(ctx context.Context, partition, sortKey string) (Item, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: partition},
			"sk": &ddbtypes.AttributeValueMemberS{Value: sortKey},
		},
	})
	if err != nil {
		return Item{}, err
	}
	if out.Item == nil {
		return Item{}, ErrNotFound
	}
	return Item{Partition: partition, Sort: sortKey, Value: attrBytes(out.Item["v"])}, nil
}

func (d *Dynamo) Range(ctx context.Context, partition, fromSort, toSort string) ([]Item, error) {
	keyCond := "pk = :pk AND sk >= :from"
	values := map[string]ddbtypes.AttributeValue{
		":pk":   &ddbtypes.AttributeValueMemberS{Value: partition},
		":from": &ddbtypes.AttributeValueMemberS{Value: fromSort},
	}
	if toSort != "" {
		keyCond = "pk = :pk AND sk BETWEEN :from AND :to"
		values[":to"] = &ddbtypes.AttributeValueMemberS{Value: toSort}
	}

	var items []Item
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(d.table),
			ConsistentRead:            aws.Bool(true),
			KeyConditionExpression:    aws.String(keyCond),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range out.Items {
			items = append(items, Item{
				Partition: partition,
				Sort:      attrString(raw["sk"]),
				Value:     attrBytes(raw["v"]),
			})
		}
		if out.LastEvaluatedKey == nil {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (d *Dynamo) Batch(ctx context.Context, ops []Op) error {
	if len(ops) > MaxBatchOps {
		return fmt.Errorf("store: batch of %d exceeds %d ops", len(ops), MaxBatchOps)
	}
	tx := make([]ddbtypes.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		key := map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: op.Partition},
			"sk": &ddbtypes.AttributeValueMemberS{Value: op.Sort},
		}
		switch op.Kind {
		case OpPut:
			put := &ddbtypes.Put{
				TableName: aws.String(d.table),
				Item: map[string]ddbtypes.AttributeValue{
					"pk": key["pk"],
					"sk": key["sk"],
					"v":  &ddbtypes.AttributeValueMemberB{Value: op.Value},
				},
			}
			if op.IfAbsent {
				put.ConditionExpression = aws.String("attribute_not_exists(pk)")
			}
			tx = append(tx, ddbtypes.TransactWriteItem{Put: put})
		case OpDelete:
			tx = append(tx, ddbtypes.TransactWriteItem{Delete: &ddbtypes.Delete{
				TableName: aws.String(d.table),
				Key:       key,
			}})
		}
	}
	_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx})
	var canceled *ddbtypes.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return ErrConditionFailed
			}
		}
		return ErrTxConflict
	}
	var conflict *ddbtypes.TransactionConflictException
	if errors.As(err, &conflict) {
		return ErrTxConflict
	}
	return err
}

func (d *Dynamo) NextSeq(ctx context.Context, partition string, count uint64) (uint64, error) {
	if count == 0 {
		count = 1
	}
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: "seq#" + partition},
			"sk": &ddbtypes.AttributeValueMemberS{Value: "counter"},
		},
		UpdateExpression: aws.String("ADD n :c"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":c": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", count)},
		},
		ReturnValues: ddbtypes.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, err
	}
	var last uint64
	if err := attributevalue.Unmarshal(out.Attributes["n"], &last); err != nil {
		return 0, fmt.Errorf("store: decode sequence counter: %w", err)
	}
	return last - count + 1, nil
}

func (d *Dynamo) Delete(ctx context.Context, partition, sortKey string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: partition},
			"sk": &ddbtypes.AttributeValueMemberS{Value: sortKey},
		},
	})
	return err
}

func (d *Dynamo) Close() error { return nil }

func attrBytes(av ddbtypes.AttributeValue) []byte {
	if b, ok := av.(*ddbtypes.AttributeValueMemberB); ok {
		return b.Value
	}
	return nil
}

func attrString(av ddbtypes.AttributeValue) string {
	if s, ok := av.(*ddbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
