package dynamo

import (
	"context"
	"errors"
	"fmt"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/DukeRupert/gatekeeper/internal/aws"
)

// CreateTables creates the ledger tables and their indexes. Tables that
// already exist are left untouched.
func CreateTables(ctx context.Context, client aws.DynamoDBAPI, tables Tables) error {
	inputs := []*dyn.CreateTableInput{
		{
			TableName:   &tables.Payments,
			BillingMode: types.BillingModePayPerRequest,
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: awsString("session_id"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: awsString("payment_intent_id"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: awsString("session_id"), KeyType: types.KeyTypeHash},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: awsString(PaymentsByIntentIndex),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: awsString("payment_intent_id"), KeyType: types.KeyTypeHash},
					},
					Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				},
			},
		},
		{
			TableName:   &tables.Attempts,
			BillingMode: types.BillingModePayPerRequest,
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: awsString("id"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: awsString("email"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: awsString("created_at"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: awsString("id"), KeyType: types.KeyTypeHash},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: awsString(AttemptsByEmailIndex),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: awsString("email"), KeyType: types.KeyTypeHash},
						{AttributeName: awsString("created_at"), KeyType: types.KeyTypeRange},
					},
					Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				},
			},
		},
		{
			TableName:   &tables.FreeUsage,
			BillingMode: types.BillingModePayPerRequest,
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: awsString("email"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: awsString("email"), KeyType: types.KeyTypeHash},
			},
		},
	}

	for _, in := range inputs {
		_, err := client.CreateTable(ctx, in)
		var exists *types.ResourceInUseException
		if errors.As(err, &exists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create table %s: %w", *in.TableName, err)
		}
	}
	return nil
}
