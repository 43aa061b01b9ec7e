// Command setup_db recreates the DynamoDB tables used by the game server.
package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/db"
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

func main() {
	// Load .env from parent directory
	if err := godotenv.Load("../../.env"); err != nil {
		logger.Warn().Msg("no .env file found in ../../, checking current dir")
		if err := godotenv.Load(".env"); err != nil {
			logger.Warn().Msg("no .env file found")
		}
	}

	ctx := context.Background()
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to load SDK config")
	}
	svc := dynamodb.NewFromConfig(cfg)

	recreateTable(ctx, svc, usersTable())
	recreateTable(ctx, svc, matchesTable())
	logger.Info().Msg("database setup complete")
}

func usersTable() *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(db.TableUsers),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("UserID"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("UserID"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}

// matchesTable holds one item per participant, keyed by match, with a
// per-player history index ordered by time.
func matchesTable() *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(db.TableMatches),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("MatchID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("PlayerID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("Timestamp"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("MatchID"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("PlayerID"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(db.HistoryIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("PlayerID"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("Timestamp"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}

func recreateTable(ctx context.Context, svc *dynamodb.Client, input *dynamodb.CreateTableInput) {
	name := aws.ToString(input.TableName)
	deleteTableIfExists(ctx, svc, name)

	logger.Info().Str("table", name).Msg("creating table")
	if _, err := svc.CreateTable(ctx, input); err != nil {
		logger.Error().Err(err).Str("table", name).Msg("could not create table")
		return
	}
	logger.Info().Str("table", name).Msg("table created")
}

func deleteTableIfExists(ctx context.Context, svc *dynamodb.Client, name string) {
	_, err := svc.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)})
	if err != nil {
		// Usually ResourceNotFoundException
		logger.Info().Err(err).Str("table", name).Msg("delete skipped")
		return
	}

	logger.Info().Str("table", name).Msg("waiting for table deletion")
	for {
		_, err := svc.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
		if err != nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	logger.Info().Str("table", name).Msg("table deleted")
}
