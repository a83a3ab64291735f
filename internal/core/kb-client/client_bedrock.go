package kbclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"

	cfg "github.com/markdave123-py/Regula/internal/config"
	"github.com/markdave123-py/Regula/internal/core"
)

type BedrockClient struct {
	client *bedrockagent.Client
}

func NewBedrockClient(ctx context.Context, cfg *cfg.Config) (core.KnowledgeBaseClient, error) {
	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AwsRegion),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockClient{client: bedrockagent.NewFromConfig(awsCfg)}, nil
}

func (c *BedrockClient) StartIngestionJob(ctx context.Context, kbID, dataSourceID, clientToken, description string) (string, error) {
	resp, err := c.client.StartIngestionJob(ctx, &bedrockagent.StartIngestionJobInput{
		KnowledgeBaseId: aws.String(kbID),
		DataSourceId:    aws.String(dataSourceID),
		ClientToken:     aws.String(clientToken),
		Description:     aws.String(description),
	})
	if err != nil {
		var conflict *types.ConflictException
		if errors.As(err, &conflict) {
			return "", core.ErrJobConflict
		}
		return "", fmt.Errorf("start ingestion job: %w", err)
	}
	return aws.ToString(resp.IngestionJob.IngestionJobId), nil
}

func (c *BedrockClient) GetIngestionJob(ctx context.Context, kbID, dataSourceID, jobID string) (*core.IngestionJobState, error) {
	resp, err := c.client.GetIngestionJob(ctx, &bedrockagent.GetIngestionJobInput{
		KnowledgeBaseId: aws.String(kbID),
		DataSourceId:    aws.String(dataSourceID),
		IngestionJobId:  aws.String(jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("get ingestion job: %w", err)
	}

	job := resp.IngestionJob
	state := &core.IngestionJobState{
		Status:         string(job.Status),
		FailureReasons: job.FailureReasons,
	}
	if stats := job.Statistics; stats != nil {
		state.DocsProcessed = stats.NumberOfDocumentsScanned
		state.DocsFailed = stats.NumberOfDocumentsFailed
	}
	return state, nil
}
