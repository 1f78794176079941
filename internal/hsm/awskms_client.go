//go:build !nokms

package hsm

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

func init() {
	kmsClientFactory = newAWSKMSClient
}

// awsKMSClient implements KMSClient using AWS SDK v2.
type awsKMSClient struct {
	client *kms.Client
}

func newAWSKMSClient(ctx context.Context, cfg ProviderConfig) (KMSClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Endpoint override for LocalStack and other KMS-compatible services
	var kmsOptions []func(*kms.Options)
	if cfg.Endpoint != "" {
		kmsOptions = append(kmsOptions, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &awsKMSClient{client: kms.NewFromConfig(awsCfg, kmsOptions...)}, nil
}

func (c *awsKMSClient) SignDigest(ctx context.Context, keyID string, digest []byte, algorithm string) (*KMSSignature, error) {
	out, err := c.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpec(algorithm),
	})
	if err != nil {
		return nil, err
	}
	return &KMSSignature{
		KeyID:     aws.ToString(out.KeyId),
		Algorithm: string(out.SigningAlgorithm),
		Signature: out.Signature,
	}, nil
}

func (c *awsKMSClient) DescribeKey(ctx context.Context, keyID string) (*KMSKeyInfo, error) {
	out, err := c.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, err
	}
	if out.KeyMetadata == nil {
		return nil, fmt.Errorf("describe key %s: empty key metadata", keyID)
	}
	return &KMSKeyInfo{
		KeyID:    aws.ToString(out.KeyMetadata.KeyId),
		Enabled:  out.KeyMetadata.Enabled,
		KeyUsage: string(out.KeyMetadata.KeyUsage),
	}, nil
}
