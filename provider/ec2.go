package provider

import (
	"context"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
)

//go:embed setup-instance.sh
var defaultUserData string

const (
	defaultImageOwner   = "amazon"
	defaultImagePattern = "amzn2-ami-hvm-2.0.????????-x86_64-gp2"
)

type EC2Input struct {
	AwsConfig aws.Config
	Regions   []string

	InstanceType    string
	KeyName         string
	SecurityGroup   string
	InstanceProfile string
	ServicePort     int

	// UserData is the bootstrap script passed to every created instance.
	// Empty means the embedded default.
	UserData string

	ImageOwner   string
	ImagePattern string
}

// EC2 implements Provider against AWS, one API client per region. Clients
// are built once from a single aws.Config; nothing here is process-global.
type EC2 struct {
	input   *EC2Input
	clients map[string]*ec2.Client
	iam     *iam.Client
	images  map[string]string
}

func NewEC2(input *EC2Input) *EC2 {
	if input.UserData == "" {
		input.UserData = defaultUserData
	}
	if input.ImageOwner == "" {
		input.ImageOwner = defaultImageOwner
	}
	if input.ImagePattern == "" {
		input.ImagePattern = defaultImagePattern
	}
	clients := map[string]*ec2.Client{}
	for _, region := range input.Regions {
		clients[region] = ec2.NewFromConfig(input.AwsConfig, func(o *ec2.Options) {
			o.Region = region
		})
	}
	return &EC2{
		input:   input,
		clients: clients,
		iam:     iam.NewFromConfig(input.AwsConfig),
		images:  map[string]string{},
	}
}

func (p *EC2) client(region string) (*ec2.Client, error) {
	c, ok := p.clients[region]
	if !ok {
		return nil, fmt.Errorf("no client for region %s", region)
	}
	return c, nil
}

// classify maps AWS errors onto the provider contract. The dry-run success
// signal arrives as an API error with code DryRunOperation.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "DryRunOperation" {
		return ErrDryRunSucceeded
	}
	return err
}

func (p *EC2) DescribeInstances(ctx context.Context, region string, ids []string) ([]Snapshot, error) {
	client, err := p.client(region)
	if err != nil {
		return nil, err
	}
	resp, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: ids,
	})
	if err != nil {
		return nil, err
	}
	snaps := []Snapshot{}
	for _, reservation := range resp.Reservations {
		for _, inst := range reservation.Instances {
			snaps = append(snaps, Snapshot{
				ID:      aws.ToString(inst.InstanceId),
				DNSName: aws.ToString(inst.PublicDnsName),
				State:   string(inst.State.Name),
				Raw:     inst,
			})
		}
	}
	return snaps, nil
}

func (p *EC2) DescribeInstanceStatus(ctx context.Context, region string, ids []string) (map[string]*Status, error) {
	client, err := p.client(region)
	if err != nil {
		return nil, err
	}
	resp, err := client.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         ids,
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	statuses := map[string]*Status{}
	for _, st := range resp.InstanceStatuses {
		statuses[aws.ToString(st.InstanceId)] = &Status{
			Summary: string(st.InstanceStatus.Status),
			Raw:     st,
		}
	}
	return statuses, nil
}

func (p *EC2) StartInstances(ctx context.Context, region string, ids []string, dryrun bool) error {
	client, err := p.client(region)
	if err != nil {
		return err
	}
	_, err = client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: ids,
		DryRun:      aws.Bool(dryrun),
	})
	return classify(err)
}

func (p *EC2) StopInstances(ctx context.Context, region string, ids []string, dryrun bool) error {
	client, err := p.client(region)
	if err != nil {
		return err
	}
	_, err = client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: ids,
		DryRun:      aws.Bool(dryrun),
	})
	return classify(err)
}

func (p *EC2) TerminateInstances(ctx context.Context, region string, ids []string, dryrun bool) error {
	client, err := p.client(region)
	if err != nil {
		return err
	}
	_, err = client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
		DryRun:      aws.Bool(dryrun),
	})
	return classify(err)
}

func (p *EC2) CreateInstances(ctx context.Context, region string, count int, dryrun bool) ([]string, error) {
	client, err := p.client(region)
	if err != nil {
		return nil, err
	}
	image, err := p.Image(ctx, region)
	if err != nil {
		return nil, err
	}
	resp, err := client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(image),
		InstanceType: ec2Types.InstanceType(p.input.InstanceType),
		KeyName:      aws.String(p.input.KeyName),
		MinCount:     aws.Int32(int32(count)),
		MaxCount:     aws.Int32(int32(count)),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(p.input.UserData))),
		SecurityGroups: []string{
			p.input.SecurityGroup,
		},
		InstanceInitiatedShutdownBehavior: ec2Types.ShutdownBehaviorTerminate,
		IamInstanceProfile: &ec2Types.IamInstanceProfileSpecification{
			Name: aws.String(p.input.InstanceProfile),
		},
		DryRun: aws.Bool(dryrun),
	})
	if err != nil {
		return nil, classify(err)
	}
	ids := make([]string, len(resp.Instances))
	for i, inst := range resp.Instances {
		ids[i] = aws.ToString(inst.InstanceId)
	}
	slog.Debug("launched instances", slog.String("region", region), slog.Int("count", len(ids)))
	return ids, nil
}

// Image finds the most recent machine image matching the configured owner
// and name pattern. Resolved once and cached per region.
func (p *EC2) Image(ctx context.Context, region string) (string, error) {
	if image, ok := p.images[region]; ok {
		return image, nil
	}
	client, err := p.client(region)
	if err != nil {
		return "", err
	}
	resp, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{p.input.ImageOwner},
		Filters: []ec2Types.Filter{
			{Name: aws.String("name"), Values: []string{p.input.ImagePattern}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe images in %s: %w", region, err)
	}
	if len(resp.Images) == 0 {
		return "", fmt.Errorf("no image matching %q in %s", p.input.ImagePattern, region)
	}
	images := resp.Images
	// CreationDate is RFC3339, so string order is chronological.
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) < aws.ToString(images[j].CreationDate)
	})
	image := aws.ToString(images[len(images)-1].ImageId)
	p.images[region] = image
	slog.Debug("resolved machine image", slog.String("region", region), slog.String("imageID", image))
	return image, nil
}

// EnsureSecurityGroups recreates the fleet's security group in every region,
// permitting inbound TCP on the SSH port and the workload's service port
// from anywhere.
func (p *EC2) EnsureSecurityGroups(ctx context.Context) error {
	for _, region := range p.input.Regions {
		client, err := p.client(region)
		if err != nil {
			return err
		}
		if err := p.deleteSecurityGroup(ctx, client, region); err != nil {
			return err
		}
		sg, err := client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:   aws.String(p.input.SecurityGroup),
			Description: aws.String("fleetbench security group (script generated)"),
		})
		if err != nil {
			return fmt.Errorf("create security group in %s: %w", region, err)
		}
		slog.Debug("created security group", slog.String("region", region), slog.String("ID", aws.ToString(sg.GroupId)))

		_, err = client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId: sg.GroupId,
			IpPermissions: []ec2Types.IpPermission{
				{
					FromPort:   aws.Int32(22),
					ToPort:     aws.Int32(22),
					IpProtocol: aws.String("tcp"),
					IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				},
				{
					FromPort:   aws.Int32(int32(p.input.ServicePort)),
					ToPort:     aws.Int32(int32(p.input.ServicePort)),
					IpProtocol: aws.String("tcp"),
					IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("authorize ingress in %s: %w", region, err)
		}
	}
	return nil
}

// DeleteSecurityGroups removes the fleet's security group from every region.
func (p *EC2) DeleteSecurityGroups(ctx context.Context) error {
	for _, region := range p.input.Regions {
		client, err := p.client(region)
		if err != nil {
			return err
		}
		if err := p.deleteSecurityGroup(ctx, client, region); err != nil {
			return err
		}
	}
	return nil
}

func (p *EC2) deleteSecurityGroup(ctx context.Context, client *ec2.Client, region string) error {
	resp, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2Types.Filter{
			{Name: aws.String("group-name"), Values: []string{p.input.SecurityGroup}},
		},
	})
	if err != nil {
		return fmt.Errorf("describe security groups in %s: %w", region, err)
	}
	for _, sg := range resp.SecurityGroups {
		_, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: sg.GroupId,
		})
		if err != nil {
			return fmt.Errorf("delete security group in %s: %w", region, err)
		}
		slog.Debug("deleted security group", slog.String("region", region), slog.String("ID", aws.ToString(sg.GroupId)))
	}
	return nil
}
