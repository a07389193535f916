package cluster

import (
	"context"
	"errors"
	"fmt"

	"wingman/pkg/config"
	"wingman/pkg/constants"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// ErrSecurityGroupNotFound the cluster has no security group to carry the ownership tag
var ErrSecurityGroupNotFound = errors.New("cluster security group not found")

// OwnershipStore reads and writes which manager owns a cluster
type OwnershipStore interface {
	// GetOwner returns the recorded owner; found is false when no owner is recorded
	GetOwner(ctx context.Context, cluster string) (owner string, found bool, err error)
	SetOwner(ctx context.Context, cluster, owner string) error
}

// EC2API subset of the EC2 client used for ownership tags
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeTags(ctx context.Context, params *ec2.DescribeTagsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeTagsOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// EC2OwnershipStore keeps the owner as a tag on the cluster's "@sc-<cluster>" security group
type EC2OwnershipStore struct {
	client EC2API
}

// NewEC2OwnershipStore creates a store over client
func NewEC2OwnershipStore(client EC2API) *EC2OwnershipStore {
	return &EC2OwnershipStore{client: client}
}

// NewEC2Client creates an EC2 client from the cluster section. Static credentials are used
// when both keys are configured, otherwise the default credential chain applies.
func NewEC2Client(ctx context.Context, cfg config.ClusterConfig) (*ec2.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return ec2.NewFromConfig(awsCfg), nil
}

// SecurityGroupName name of the security group the provisioning tool creates for cluster
func SecurityGroupName(cluster string) string {
	return "@sc-" + cluster
}

func (s *EC2OwnershipStore) securityGroupID(ctx context.Context, cluster string) (string, error) {
	name := SecurityGroupName(cluster)
	resp, err := s.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe security group %s: %w", name, err)
	}
	if len(resp.SecurityGroups) == 0 || resp.SecurityGroups[0].GroupId == nil {
		return "", fmt.Errorf("%w: %s", ErrSecurityGroupNotFound, name)
	}
	return *resp.SecurityGroups[0].GroupId, nil
}

// GetOwner implements OwnershipStore
func (s *EC2OwnershipStore) GetOwner(ctx context.Context, cluster string) (string, bool, error) {
	groupID, err := s.securityGroupID(ctx, cluster)
	if err != nil {
		return "", false, err
	}

	resp, err := s.client.DescribeTags(ctx, &ec2.DescribeTagsInput{
		Filters: []types.Filter{
			{Name: aws.String("resource-id"), Values: []string{groupID}},
			{Name: aws.String("key"), Values: []string{constants.OwnershipTagKey}},
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to describe tags of %s: %w", groupID, err)
	}
	if len(resp.Tags) == 0 {
		return "", false, nil
	}
	if len(resp.Tags) > 1 {
		return "", false, fmt.Errorf("expected one %s tag on %s, found %d", constants.OwnershipTagKey, groupID, len(resp.Tags))
	}
	return aws.ToString(resp.Tags[0].Value), true, nil
}

// SetOwner implements OwnershipStore
func (s *EC2OwnershipStore) SetOwner(ctx context.Context, cluster, owner string) error {
	groupID, err := s.securityGroupID(ctx, cluster)
	if err != nil {
		return err
	}

	_, err = s.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{groupID},
		Tags: []types.Tag{
			{Key: aws.String(constants.OwnershipTagKey), Value: aws.String(owner)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to tag %s: %w", groupID, err)
	}
	return nil
}
