package db

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

type Dynamo struct {
	svc    *dynamodb.Client
	logger zerolog.Logger
}

func NewDynamo(ctx context.Context, region string, logger zerolog.Logger) (*Dynamo, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, eris.Wrap(err, "unable to load SDK config")
	}

	d := &Dynamo{
		svc:    dynamodb.NewFromConfig(cfg),
		logger: logger.With().Str("component", "db").Logger(),
	}
	d.logger.Info().Str("region", cfg.Region).Msg("DynamoDB session initialized")
	d.diagnose(ctx, cfg)
	return d, nil
}

// diagnose logs the caller identity. Failures are informational only.
func (d *Dynamo) diagnose(ctx context.Context, cfg aws.Config) {
	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		d.logger.Warn().Err(err).Msg("could not get AWS identity")
		return
	}
	d.logger.Info().
		Str("account", aws.ToString(identity.Account)).
		Str("arn", aws.ToString(identity.Arn)).
		Msg("operating as AWS principal")
}

// --- User Operations ---

func (d *Dynamo) GetUser(ctx context.Context, userID string) (*PongUser, error) {
	out, err := d.svc.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(TableUsers),
		Key: map[string]types.AttributeValue{
			"UserID": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "get user %s", userID)
	}
	if out.Item == nil {
		return nil, nil // Not found
	}

	var user PongUser
	if err := attributevalue.UnmarshalMap(out.Item, &user); err != nil {
		return nil, eris.Wrapf(err, "decode user %s", userID)
	}
	return &user, nil
}

// SaveUser creates the user, or refreshes the name of an existing one
// without touching rating and record.
func (d *Dynamo) SaveUser(ctx context.Context, user PongUser) error {
	existing, err := d.GetUser(ctx, user.UserID)
	if err == nil && existing != nil {
		_, err = d.svc.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(TableUsers),
			Key: map[string]types.AttributeValue{
				"UserID": &types.AttributeValueMemberS{Value: user.UserID},
			},
			UpdateExpression: aws.String("set #N = :n"),
			ExpressionAttributeNames: map[string]string{
				"#N": "Name", // Name is reserved
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":n": &types.AttributeValueMemberS{Value: user.Name},
			},
		})
		return eris.Wrapf(err, "update user %s", user.UserID)
	}

	av, err := attributevalue.MarshalMap(user)
	if err != nil {
		return eris.Wrapf(err, "encode user %s", user.UserID)
	}
	_, err = d.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(TableUsers),
		Item:      av,
	})
	if err != nil {
		return eris.Wrapf(err, "create user %s", user.UserID)
	}
	d.logger.Info().Str("user", user.UserID).Int("rating", user.Rating).Msg("created user")
	return nil
}

// RecordOutcome applies a rating delta and bumps the win or loss counter.
func (d *Dynamo) RecordOutcome(ctx context.Context, userID string, won bool, ratingDelta int) error {
	counter := "Losses"
	if won {
		counter = "Wins"
	}
	_, err := d.svc.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(TableUsers),
		Key: map[string]types.AttributeValue{
			"UserID": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression: aws.String("set Rating = if_not_exists(Rating, :base) + :d add #C :one"),
		ExpressionAttributeNames: map[string]string{
			"#C": counter,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d":    &types.AttributeValueMemberN{Value: strconv.Itoa(ratingDelta)},
			":base": &types.AttributeValueMemberN{Value: strconv.Itoa(DefaultRating)},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return eris.Wrapf(err, "record outcome for %s", userID)
	}
	d.logger.Debug().Str("user", userID).Bool("won", won).Int("delta", ratingDelta).Msg("recorded outcome")
	return nil
}

// --- Match History Operations ---

func (d *Dynamo) SaveMatch(ctx context.Context, rec MatchRecord) error {
	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return eris.Wrapf(err, "encode match %s", rec.MatchID)
	}
	_, err = d.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(TableMatches),
		Item:      av,
	})
	if err != nil {
		return eris.Wrapf(err, "save match %s for %s", rec.MatchID, rec.PlayerID)
	}
	d.logger.Debug().Str("match", rec.MatchID).Str("player", rec.PlayerID).Bool("won", rec.Won).Msg("saved match record")
	return nil
}
