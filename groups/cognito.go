package groups

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	ciptypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"golang.org/x/time/rate"
)

// CognitoClient defines the Cognito user pool operations used by CognitoStore.
type CognitoClient interface {
	ListUsers(ctx context.Context, params *cip.ListUsersInput, optFns ...func(*cip.Options)) (*cip.ListUsersOutput, error)
	AdminAddUserToGroup(ctx context.Context, params *cip.AdminAddUserToGroupInput, optFns ...func(*cip.Options)) (*cip.AdminAddUserToGroupOutput, error)
	AdminRemoveUserFromGroup(ctx context.Context, params *cip.AdminRemoveUserFromGroupInput, optFns ...func(*cip.Options)) (*cip.AdminRemoveUserFromGroupOutput, error)
}

// CognitoConfig configures a CognitoStore.
type CognitoConfig struct {
	UserPoolID string `yaml:"user_pool_id" json:"user_pool_id"`
	Region     string `yaml:"region" json:"region"`
	// TenantAttribute is the user attribute holding the tenant id.
	TenantAttribute string `yaml:"tenant_attribute" json:"tenant_attribute"`
	// RequestsPerSecond throttles calls against the user pool quota.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// CognitoStore implements Store on a Cognito user pool.
type CognitoStore struct {
	client    CognitoClient
	poolID    string
	attribute string
	limiter   *rate.Limiter
}

// NewCognitoStore creates a CognitoStore.
func NewCognitoStore(client CognitoClient, cfg CognitoConfig) *CognitoStore {
	if cfg.TenantAttribute == "" {
		cfg.TenantAttribute = "custom:tenant_id"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &CognitoStore{
		client:    client,
		poolID:    cfg.UserPoolID,
		attribute: cfg.TenantAttribute,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// ListUsers pages through the pool and keeps users whose tenant attribute
// matches. Cognito cannot filter on custom attributes server side.
func (c *CognitoStore) ListUsers(ctx context.Context, tenantID string) ([]string, error) {
	var out []string
	var token *string
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := c.client.ListUsers(ctx, &cip.ListUsersInput{
			UserPoolId:      aws.String(c.poolID),
			PaginationToken: token,
			Limit:           aws.Int32(60),
		})
		if err != nil {
			return nil, fmt.Errorf("cognito list users: %w", err)
		}
		for _, u := range page.Users {
			if tenantAttribute(u.Attributes, c.attribute) == tenantID {
				out = append(out, aws.ToString(u.Username))
			}
		}
		if aws.ToString(page.PaginationToken) == "" {
			return out, nil
		}
		token = page.PaginationToken
	}
}

func tenantAttribute(attrs []ciptypes.AttributeType, name string) string {
	for _, a := range attrs {
		if aws.ToString(a.Name) == name {
			return aws.ToString(a.Value)
		}
	}
	return ""
}

func (c *CognitoStore) Grant(ctx context.Context, userID, group string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.client.AdminAddUserToGroup(ctx, &cip.AdminAddUserToGroupInput{
		UserPoolId: aws.String(c.poolID),
		Username:   aws.String(userID),
		GroupName:  aws.String(group),
	})
	return mapCognitoError("add user to group", err)
}

func (c *CognitoStore) Revoke(ctx context.Context, userID, group string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.client.AdminRemoveUserFromGroup(ctx, &cip.AdminRemoveUserFromGroupInput{
		UserPoolId: aws.String(c.poolID),
		Username:   aws.String(userID),
		GroupName:  aws.String(group),
	})
	return mapCognitoError("remove user from group", err)
}

func mapCognitoError(op string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *ciptypes.UserNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("cognito %s: %w", op, ErrUserNotFound)
	}
	return fmt.Errorf("cognito %s: %w", op, err)
}

var _ Store = (*CognitoStore)(nil)
